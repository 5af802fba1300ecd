package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"signind/autherr"
)

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

// jwksServer serves set and counts requests.
func jwksServer(t *testing.T, set jose.JSONWebKeySet) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func assertCode(t *testing.T, err error, want autherr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", want)
	}
	if got := autherr.CodeOf(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func TestParseProvider(t *testing.T) {
	for _, name := range []string{"google", "Kakao", " apple "} {
		if _, err := ParseProvider(name); err != nil {
			t.Fatalf("ParseProvider(%q): %v", name, err)
		}
	}
	_, err := ParseProvider("github")
	if !errors.Is(err, autherr.ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Kakao, VerifierFunc(func(ctx context.Context, token string) (VerifiedIdentity, error) {
		return VerifiedIdentity{ProviderUserKey: "k-" + token}, nil
	}))

	provider, v, err := reg.Get("kakao")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if provider != Kakao {
		t.Fatalf("unexpected provider %q", provider)
	}
	id, err := v.Verify(context.Background(), "abc")
	if err != nil || id.ProviderUserKey != "k-abc" {
		t.Fatalf("unexpected verify result %+v, %v", id, err)
	}

	// Known but unconfigured.
	if _, _, err := reg.Get("google"); autherr.CodeOf(err) != autherr.CodeUnsupportedProvider {
		t.Fatalf("expected unsupported provider for unconfigured google, got %v", err)
	}
	if got := reg.Providers(); len(got) != 1 || got[0] != Kakao {
		t.Fatalf("unexpected providers %v", got)
	}
}

func TestBuildRegistryRegistersEnabledOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kakao.Enabled = true
	cfg.Apple.Enabled = true
	cfg.Apple.ClientID = "com.example.app"

	reg, err := BuildRegistry(context.Background(), cfg, fixedClock, discardLogger())
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	got := reg.Providers()
	if len(got) != 2 || got[0] != Apple || got[1] != Kakao {
		t.Fatalf("unexpected providers %v", got)
	}
}

func TestBuildRegistryRejectsIncompleteProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Google.Enabled = true
	if _, err := BuildRegistry(context.Background(), cfg, fixedClock, discardLogger()); err == nil {
		t.Fatalf("expected error for google without client ids")
	}
}
