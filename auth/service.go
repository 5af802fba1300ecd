// Package auth composes provider verification, identity linking, session
// tokens and revocation into the login, refresh, logout and per-request
// authentication flows.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"signind/autherr"
	"signind/identity"
	"signind/metrics"
	"signind/revocation"
	"signind/session"
	"signind/users"
)

// Summary describes the resolved subject after a login.
type Summary struct {
	SubjectID       string `json:"subject_id"`
	Provider        string `json:"provider"`
	Email           string `json:"email,omitempty"`
	DisplayImageURL string `json:"display_image_url,omitempty"`
}

// TokenPair is a freshly issued access and refresh token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// LoginResult is returned by Login.
type LoginResult struct {
	Subject   Summary
	Tokens    TokenPair
	IsNewUser bool
}

// Principal is the caller identity attached to a request.
type Principal struct {
	SubjectID string
}

// Anonymous reports whether no bearer token was presented.
func (p Principal) Anonymous() bool { return p.SubjectID == "" }

// Options configures the Service.
type Options struct {
	Verifiers *identity.Registry
	Users     users.Store
	Tokens    *session.TokenService
	Revoked   revocation.Pair
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Service orchestrates the authentication flows.
type Service struct {
	verifiers *identity.Registry
	users     users.Store
	tokens    *session.TokenService
	revoked   revocation.Pair
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewService validates opts and returns a Service.
func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Verifiers == nil:
		return nil, errors.New("auth: verifier registry is required")
	case opts.Users == nil:
		return nil, errors.New("auth: users store is required")
	case opts.Tokens == nil:
		return nil, errors.New("auth: token service is required")
	case opts.Revoked.Access == nil || opts.Revoked.Refresh == nil:
		return nil, errors.New("auth: access and refresh revocation stores are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(false)
	}
	return &Service{
		verifiers: opts.Verifiers,
		users:     opts.Users,
		tokens:    opts.Tokens,
		revoked:   opts.Revoked,
		metrics:   m,
		logger:    logger,
	}, nil
}

// Login verifies providerToken with the named provider, resolves or creates
// the linked subject and issues a session token pair.
func (s *Service) Login(ctx context.Context, providerName, providerToken string) (LoginResult, error) {
	provider, verifier, err := s.verifiers.Get(providerName)
	if err != nil {
		return LoginResult{}, s.fail("login", "unknown", err)
	}

	start := time.Now()
	verified, err := verifier.Verify(ctx, providerToken)
	s.metrics.ObserveVerify(string(provider), time.Since(start).Seconds())
	if err != nil {
		return LoginResult{}, s.fail("login", string(provider), err)
	}

	subject, found, err := s.users.FindByProviderAndKey(ctx, string(provider), verified.ProviderUserKey)
	if err != nil {
		return LoginResult{}, s.fail("login", string(provider), fmt.Errorf("find linked subject: %w", err))
	}
	isNew := false
	if !found {
		// created is false when a concurrent login linked the identity first.
		subject, isNew, err = s.users.CreateLinkedSubject(ctx, string(provider), verified.ProviderUserKey, verified.Email)
		if err != nil {
			return LoginResult{}, s.fail("login", string(provider), fmt.Errorf("create linked subject: %w", err))
		}
	}

	pair, err := s.issuePair(subject.ID)
	if err != nil {
		return LoginResult{}, s.fail("login", string(provider), err)
	}

	result := "existing"
	if isNew {
		result = "new"
	}
	s.metrics.RecordLogin(string(provider), result)
	s.logger.Info("login.success", "provider", provider, "subject", subject.ID, "new_user", isNew)

	return LoginResult{
		Subject: Summary{
			SubjectID:       subject.ID,
			Provider:        string(provider),
			Email:           verified.Email,
			DisplayImageURL: verified.DisplayImageURL,
		},
		Tokens:    pair,
		IsNewUser: isNew,
	}, nil
}

// Refresh exchanges a live, unrevoked refresh token for a new pair. The
// presented refresh token stays valid until it expires or is logged out.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.Validate(refreshToken, session.KindRefresh)
	if err != nil {
		return TokenPair{}, s.fail("refresh", "", err)
	}
	revoked, err := s.revoked.Refresh.IsRevoked(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, s.fail("refresh", "", fmt.Errorf("check refresh denylist: %w", err))
	}
	if revoked {
		return TokenPair{}, s.fail("refresh", "", autherr.ErrTokenRevoked)
	}

	pair, err := s.issuePair(claims.Subject)
	if err != nil {
		return TokenPair{}, s.fail("refresh", "", err)
	}
	s.metrics.RecordRefresh()
	s.logger.Info("refresh.success", "subject", claims.Subject)
	return pair, nil
}

// Logout blacklists both tokens until their own expiry. Repeating a logout
// with the same pair succeeds.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	accessClaims, err := s.tokens.Validate(accessToken, session.KindAccess)
	if err != nil {
		return s.fail("logout", "", err)
	}
	refreshClaims, err := s.tokens.Validate(refreshToken, session.KindRefresh)
	if err != nil {
		return s.fail("logout", "", err)
	}

	if err := s.revoked.Access.Blacklist(ctx, accessToken, accessClaims.ExpiresAt.Time); err != nil {
		return s.fail("logout", "", fmt.Errorf("blacklist access token: %w", err))
	}
	s.metrics.RecordRevocation(string(session.KindAccess))
	if err := s.revoked.Refresh.Blacklist(ctx, refreshToken, refreshClaims.ExpiresAt.Time); err != nil {
		return s.fail("logout", "", fmt.Errorf("blacklist refresh token: %w", err))
	}
	s.metrics.RecordRevocation(string(session.KindRefresh))

	s.logger.Info("logout.success", "subject", accessClaims.Subject)
	return nil
}

// AuthenticateRequest resolves the principal for a bearer token. An empty
// token yields the anonymous principal without error.
func (s *Service) AuthenticateRequest(ctx context.Context, bearerToken string) (Principal, error) {
	if bearerToken == "" {
		return Principal{}, nil
	}
	claims, err := s.tokens.Validate(bearerToken, session.KindAccess)
	if err != nil {
		return Principal{}, s.fail("authenticate", "", err)
	}
	revoked, err := s.revoked.Access.IsRevoked(ctx, bearerToken)
	if err != nil {
		return Principal{}, s.fail("authenticate", "", fmt.Errorf("check access denylist: %w", err))
	}
	if revoked {
		return Principal{}, s.fail("authenticate", "", autherr.ErrTokenRevoked)
	}
	return Principal{SubjectID: claims.Subject}, nil
}

func (s *Service) issuePair(subjectID string) (TokenPair, error) {
	access, err := s.tokens.Issue(subjectID, session.KindAccess)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.tokens.Issue(subjectID, session.KindRefresh)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// fail records a failed operation and returns err unchanged.
func (s *Service) fail(operation, provider string, err error) error {
	code := autherr.CodeOf(err)
	s.metrics.RecordAuthFailure(operation, string(code))
	if operation == "login" && provider != "" {
		s.metrics.RecordLogin(provider, "failure")
	}

	attrs := []any{"operation", operation, "code", code, "error", err}
	if provider != "" {
		attrs = append(attrs, "provider", provider)
	}
	if code == autherr.CodeUnknown {
		s.logger.Error("auth.failure", attrs...)
	} else {
		s.logger.Warn("auth.failure", attrs...)
	}
	return err
}
