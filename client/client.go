// Package client calls the signind HTTP API and keeps a session token pair fresh.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config configures the API client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// RefreshSkew is how long before access token expiry a Session refreshes.
	RefreshSkew time.Duration
}

// Client calls the sign-in service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	skew    time.Duration
}

// Subject describes the account resolved by a login.
type Subject struct {
	SubjectID       string `json:"subject_id"`
	Provider        string `json:"provider"`
	Email           string `json:"email,omitempty"`
	DisplayImageURL string `json:"display_image_url,omitempty"`
}

// Tokens is an access and refresh token pair.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// LoginResponse is the body returned by POST /auth/login.
type LoginResponse struct {
	Subject Subject `json:"subject"`
	Tokens
	IsNewUser bool `json:"is_new_user"`
}

// APIError is a non-2xx response carrying the service error envelope.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("signind: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// New creates a client with sane defaults.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("base url must start with http:// or https://, got: %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.RefreshSkew == 0 {
		cfg.RefreshSkew = 30 * time.Second
	}
	return &Client{baseURL: base, http: hc, skew: cfg.RefreshSkew}, nil
}

// Login exchanges a provider token for a session.
func (c *Client) Login(ctx context.Context, provider, providerToken string) (*LoginResponse, error) {
	var out LoginResponse
	body := map[string]string{"provider": provider, "token": providerToken}
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	var out Tokens
	err := c.do(ctx, http.MethodPost, "/auth/refresh", refreshToken, nil, &out)
	return out, err
}

// Logout revokes both tokens of a pair.
func (c *Client) Logout(ctx context.Context, t Tokens) error {
	body := map[string]string{"refresh_token": t.RefreshToken}
	return c.do(ctx, http.MethodPost, "/auth/logout", t.AccessToken, body, nil)
}

// Me returns the subject id behind an access token.
func (c *Client) Me(ctx context.Context, accessToken string) (string, error) {
	var out struct {
		SubjectID string `json:"subject_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/me", accessToken, nil, &out); err != nil {
		return "", err
	}
	return out.SubjectID, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "UNKNOWN"
			apiErr.Message = resp.Status
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ExpiresAt reads the exp claim of a session token without verifying it.
// Only the service can verify tokens; clients use this to schedule refreshes.
func ExpiresAt(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("exp missing")
	}
	return claims.ExpiresAt.Time, nil
}

// Session holds a token pair and refreshes it before the access token expires.
type Session struct {
	c   *Client
	now func() time.Time

	mu     sync.Mutex
	tokens Tokens
	expiry time.Time
}

// NewSession wraps a pair obtained from Login or Refresh.
func (c *Client) NewSession(t Tokens) (*Session, error) {
	exp, err := ExpiresAt(t.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("read access token expiry: %w", err)
	}
	return &Session{c: c, now: time.Now, tokens: t, expiry: exp}, nil
}

// AccessToken returns a usable access token, refreshing first when the
// current one is within the refresh skew of expiry.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.now().Add(s.c.skew).Before(s.expiry) {
		return s.tokens.AccessToken, nil
	}
	fresh, err := s.c.Refresh(ctx, s.tokens.RefreshToken)
	if err != nil {
		return "", err
	}
	exp, err := ExpiresAt(fresh.AccessToken)
	if err != nil {
		return "", fmt.Errorf("read access token expiry: %w", err)
	}
	s.tokens, s.expiry = fresh, exp
	return fresh.AccessToken, nil
}

// Tokens returns the current pair.
func (s *Session) Tokens() Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// Logout revokes the current pair.
func (s *Session) Logout(ctx context.Context) error {
	return s.c.Logout(ctx, s.Tokens())
}
