// Package identity verifies identity proofs issued by third-party providers.
//
// Each provider speaks its own protocol, but every verifier returns the same
// VerifiedIdentity so callers stay protocol-agnostic.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"signind/autherr"
)

// Provider names a supported identity provider.
type Provider string

const (
	Google Provider = "google"
	Kakao  Provider = "kakao"
	Apple  Provider = "apple"
)

// ParseProvider maps a requested provider name onto a known Provider.
func ParseProvider(name string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(name))); p {
	case Google, Kakao, Apple:
		return p, nil
	default:
		return "", autherr.Wrap(autherr.CodeUnsupportedProvider, autherr.ErrUnsupportedProvider.Message,
			fmt.Errorf("provider %q", name))
	}
}

// VerifiedIdentity is the normalized result of a successful verification.
// Email and DisplayImageURL are empty when the provider did not supply them.
type VerifiedIdentity struct {
	ProviderUserKey string
	Email           string
	DisplayImageURL string
}

// Verifier checks a provider-issued token.
type Verifier interface {
	Verify(ctx context.Context, providerToken string) (VerifiedIdentity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, providerToken string) (VerifiedIdentity, error)

func (f VerifierFunc) Verify(ctx context.Context, providerToken string) (VerifiedIdentity, error) {
	return f(ctx, providerToken)
}

// Registry holds the configured verifiers, one per provider.
type Registry struct {
	verifiers map[Provider]Verifier
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[Provider]Verifier)}
}

// Register binds v to provider, replacing any previous binding.
func (r *Registry) Register(provider Provider, v Verifier) {
	r.verifiers[provider] = v
}

// Get returns the verifier for name. Unknown or unconfigured providers fail
// with UnsupportedProvider.
func (r *Registry) Get(name string) (Provider, Verifier, error) {
	provider, err := ParseProvider(name)
	if err != nil {
		return "", nil, err
	}
	v, ok := r.verifiers[provider]
	if !ok {
		return "", nil, autherr.Wrap(autherr.CodeUnsupportedProvider, autherr.ErrUnsupportedProvider.Message,
			fmt.Errorf("provider %s not configured", provider))
	}
	return provider, v, nil
}

// Providers lists the configured provider names in sorted order.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.verifiers))
	for p := range r.verifiers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Config groups per-provider settings.
type Config struct {
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
	Google      GoogleConfig  `yaml:"google" envPrefix:"GOOGLE_"`
	Kakao       KakaoConfig   `yaml:"kakao" envPrefix:"KAKAO_"`
	Apple       AppleConfig   `yaml:"apple" envPrefix:"APPLE_"`
}

// DefaultConfig returns provider defaults pointing at the public endpoints.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout: 5 * time.Second,
		Google: GoogleConfig{
			JWKSURL: "https://www.googleapis.com/oauth2/v3/certs",
			Issuers: []string{"https://accounts.google.com", "accounts.google.com"},
		},
		Kakao: KakaoConfig{
			TokenInfoURL: "https://kapi.kakao.com/v1/user/access_token_info",
			UserInfoURL:  "https://kapi.kakao.com/v2/user/me",
		},
		Apple: AppleConfig{
			Issuer:  "https://appleid.apple.com",
			JWKSURL: "https://appleid.apple.com/auth/keys",
		},
	}
}

// BuildRegistry prepares every enabled provider.
func BuildRegistry(ctx context.Context, cfg Config, now func() time.Time, logger *slog.Logger) (*Registry, error) {
	if now == nil {
		now = time.Now
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	reg := NewRegistry()

	if cfg.Google.Enabled {
		v, err := NewGoogleVerifier(ctx, cfg.Google, nil, httpClient, now, logger)
		if err != nil {
			return nil, fmt.Errorf("init provider google: %w", err)
		}
		reg.Register(Google, v)
	}
	if cfg.Kakao.Enabled {
		v, err := NewKakaoVerifier(cfg.Kakao, httpClient, timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("init provider kakao: %w", err)
		}
		reg.Register(Kakao, v)
	}
	if cfg.Apple.Enabled {
		v, err := NewAppleVerifier(cfg.Apple, httpClient, timeout, now, logger)
		if err != nil {
			return nil, fmt.Errorf("init provider apple: %w", err)
		}
		reg.Register(Apple, v)
	}
	return reg, nil
}

const maxResponseBytes = 1 << 20

// getJSON performs a GET with client and decodes a 2xx JSON body into out.
func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
