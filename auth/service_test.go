package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"signind/autherr"
	"signind/identity"
	"signind/metrics"
	"signind/revocation"
	"signind/session"
	"signind/users"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc     *Service
	clock   *testClock
	metrics *metrics.Metrics
}

// stubVerifier accepts "good-<key>" and rejects anything else.
func stubVerifier(ctx context.Context, token string) (identity.VerifiedIdentity, error) {
	if len(token) > 5 && token[:5] == "good-" {
		return identity.VerifiedIdentity{ProviderUserKey: token[5:], Email: token[5:] + "@example.com"}, nil
	}
	return identity.VerifiedIdentity{}, autherr.ErrInvalidProviderToken
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	tokens, err := session.NewTokenService(session.Config{
		Key:        []byte("auth-test-key-0123456789abcdef!!"),
		Issuer:     "signind",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}, clock.Now)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	reg := identity.NewRegistry()
	reg.Register(identity.Google, identity.VerifierFunc(stubVerifier))
	reg.Register(identity.Kakao, identity.VerifierFunc(stubVerifier))

	m := metrics.New(true)
	svc, err := NewService(Options{
		Verifiers: reg,
		Users:     users.NewMemoryStore(clock.Now),
		Tokens:    tokens,
		Revoked: revocation.Pair{
			Access:  revocation.NewMemoryStore(clock.Now),
			Refresh: revocation.NewMemoryStore(clock.Now),
		},
		Metrics: m,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &harness{svc: svc, clock: clock, metrics: m}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(Options{}); err == nil {
		t.Fatalf("expected error for empty options")
	}
}

func TestLoginNewThenExisting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Login(ctx, "google", "good-alice")
	if err != nil {
		t.Fatalf("first Login: %v", err)
	}
	if !first.IsNewUser {
		t.Fatalf("expected first login to create a subject")
	}
	if first.Subject.Provider != "google" || first.Subject.Email != "alice@example.com" {
		t.Fatalf("unexpected summary %+v", first.Subject)
	}
	if first.Tokens.AccessToken == "" || first.Tokens.RefreshToken == "" {
		t.Fatalf("expected token pair")
	}

	second, err := h.svc.Login(ctx, "google", "good-alice")
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if second.IsNewUser {
		t.Fatalf("expected second login to reuse the subject")
	}
	if second.Subject.SubjectID != first.Subject.SubjectID {
		t.Fatalf("subject id changed: %s vs %s", first.Subject.SubjectID, second.Subject.SubjectID)
	}

	// Same provider key under another provider is a different person.
	other, err := h.svc.Login(ctx, "kakao", "good-alice")
	if err != nil {
		t.Fatalf("kakao Login: %v", err)
	}
	if !other.IsNewUser || other.Subject.SubjectID == first.Subject.SubjectID {
		t.Fatalf("expected distinct subject for kakao identity")
	}

	principal, err := h.svc.AuthenticateRequest(ctx, first.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("AuthenticateRequest: %v", err)
	}
	if principal.SubjectID != first.Subject.SubjectID || principal.Anonymous() {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

func TestLoginErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Login(ctx, "github", "good-x")
	if autherr.CodeOf(err) != autherr.CodeUnsupportedProvider {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
	// Known but not configured here.
	_, err = h.svc.Login(ctx, "apple", "good-x")
	if autherr.CodeOf(err) != autherr.CodeUnsupportedProvider {
		t.Fatalf("expected unsupported provider for apple, got %v", err)
	}
	_, err = h.svc.Login(ctx, "google", "forged")
	if !errors.Is(err, autherr.ErrInvalidProviderToken) {
		t.Fatalf("expected verifier error to pass through, got %v", err)
	}
}

func TestLogoutRevokesBothTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Login(ctx, "google", "good-bob")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := h.svc.Logout(ctx, res.Tokens.AccessToken, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	_, err = h.svc.AuthenticateRequest(ctx, res.Tokens.AccessToken)
	if autherr.CodeOf(err) != autherr.CodeTokenRevoked {
		t.Fatalf("expected revoked access token, got %v", err)
	}
	_, err = h.svc.Refresh(ctx, res.Tokens.RefreshToken)
	if autherr.CodeOf(err) != autherr.CodeTokenRevoked {
		t.Fatalf("expected revoked refresh token, got %v", err)
	}

	// Repeating the logout is a no-op.
	if err := h.svc.Logout(ctx, res.Tokens.AccessToken, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

func TestLogoutValidatesKinds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.Login(ctx, "google", "good-carol")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	err = h.svc.Logout(ctx, res.Tokens.RefreshToken, res.Tokens.AccessToken)
	if autherr.CodeOf(err) != autherr.CodeTokenTypeMismatch {
		t.Fatalf("expected kind mismatch for swapped pair, got %v", err)
	}
	// Nothing may be revoked when validation fails.
	if _, err := h.svc.AuthenticateRequest(ctx, res.Tokens.AccessToken); err != nil {
		t.Fatalf("access token must stay valid: %v", err)
	}
}

func TestRefreshDoesNotRotate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.Login(ctx, "kakao", "good-dave")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	pair, err := h.svc.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.AccessToken == res.Tokens.AccessToken || pair.RefreshToken == res.Tokens.RefreshToken {
		t.Fatalf("expected a fresh pair")
	}
	principal, err := h.svc.AuthenticateRequest(ctx, pair.AccessToken)
	if err != nil || principal.SubjectID != res.Subject.SubjectID {
		t.Fatalf("new access token must resolve to the same subject: %+v, %v", principal, err)
	}

	if _, err := h.svc.Refresh(ctx, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("presented refresh token must remain usable: %v", err)
	}

	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "signind_token_refreshes_total 2") {
		t.Fatalf("expected two refreshes counted:\n%s", rec.Body.String())
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.Login(context.Background(), "google", "good-erin")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, err = h.svc.Refresh(context.Background(), res.Tokens.AccessToken)
	if autherr.CodeOf(err) != autherr.CodeTokenTypeMismatch {
		t.Fatalf("expected kind mismatch, got %v", err)
	}
}

func TestAuthenticateRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.svc.AuthenticateRequest(ctx, "")
	if err != nil || !p.Anonymous() {
		t.Fatalf("empty token must be anonymous, got %+v, %v", p, err)
	}

	_, err = h.svc.AuthenticateRequest(ctx, "garbage")
	if !errors.Is(err, autherr.ErrTokenSignatureInvalid) {
		t.Fatalf("expected signature-invalid class, got %v", err)
	}

	res, err := h.svc.Login(ctx, "google", "good-frank")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.clock.Advance(16 * time.Minute)
	_, err = h.svc.AuthenticateRequest(ctx, res.Tokens.AccessToken)
	if autherr.CodeOf(err) != autherr.CodeAccessTokenSignatureInvalid {
		t.Fatalf("expected expired access token to fail signature check, got %v", err)
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatalf("expected no principal")
	}
	ctx = WithPrincipal(ctx, Principal{SubjectID: "s-1"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.SubjectID != "s-1" {
		t.Fatalf("unexpected principal %+v ok=%v", p, ok)
	}
}
