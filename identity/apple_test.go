package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"signind/autherr"
)

const appleClientID = "com.example.signin"

func publicJWK(kid string, key any) jose.JSONWebKey {
	return jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: "RS256", Use: "sig"}
}

func newApple(t *testing.T, jwksURL string, cacheTTL time.Duration) *AppleVerifier {
	t.Helper()
	v, err := NewAppleVerifier(AppleConfig{
		Enabled:     true,
		ClientID:    appleClientID,
		Issuer:      "https://appleid.apple.com",
		JWKSURL:     jwksURL,
		KeyCacheTTL: cacheTTL,
	}, http.DefaultClient, time.Second, fixedClock, discardLogger())
	if err != nil {
		t.Fatalf("NewAppleVerifier: %v", err)
	}
	return v
}

func appleClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   "https://appleid.apple.com",
		"aud":   appleClientID,
		"sub":   "001234.abcdef.0999",
		"email": "relay@privaterelay.appleid.com",
		"iat":   testNow.Add(-time.Minute).Unix(),
		"exp":   testNow.Add(10 * time.Minute).Unix(),
	}
}

func TestAppleVerify(t *testing.T) {
	key := mustRSAKey(t)
	srv, _ := jwksServer(t, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{publicJWK("k1", &key.PublicKey)}})
	v := newApple(t, srv.URL, 0)

	id, err := v.Verify(context.Background(), signRS256(t, key, "k1", appleClaims()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.ProviderUserKey != "001234.abcdef.0999" || id.Email != "relay@privaterelay.appleid.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if id.DisplayImageURL != "" {
		t.Fatalf("apple supplies no image, got %q", id.DisplayImageURL)
	}
}

func TestAppleKeyNotFoundVersusSignatureInvalid(t *testing.T) {
	key := mustRSAKey(t)
	other := mustRSAKey(t)
	srv, _ := jwksServer(t, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{publicJWK("k1", &key.PublicKey)}})
	v := newApple(t, srv.URL, 0)

	_, err := v.Verify(context.Background(), signRS256(t, key, "unknown", appleClaims()))
	assertCode(t, err, autherr.CodeKeyNotFound)

	// Known kid, wrong private key.
	_, err = v.Verify(context.Background(), signRS256(t, other, "k1", appleClaims()))
	assertCode(t, err, autherr.CodeSignatureInvalid)
}

func TestAppleKeyTypeInvalid(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}
	srv, _ := jwksServer(t, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &ec.PublicKey, KeyID: "k1", Algorithm: "ES256", Use: "sig"},
	}})
	v := newApple(t, srv.URL, 0)

	_, err = v.Verify(context.Background(), signRS256(t, mustRSAKey(t), "k1", appleClaims()))
	assertCode(t, err, autherr.CodeKeyTypeInvalid)
}

func TestAppleClaimChecks(t *testing.T) {
	key := mustRSAKey(t)
	srv, _ := jwksServer(t, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{publicJWK("k1", &key.PublicKey)}})
	v := newApple(t, srv.URL, 0)

	cases := []struct {
		name   string
		mutate func(jwt.MapClaims)
		want   autherr.Code
	}{
		{"issuer", func(c jwt.MapClaims) { c["iss"] = "https://appleid.apple.com/" }, autherr.CodeIssuerMismatch},
		{"audience", func(c jwt.MapClaims) { c["aud"] = "com.other.app" }, autherr.CodeAudienceMismatch},
		{"subject", func(c jwt.MapClaims) { delete(c, "sub") }, autherr.CodeUserKeyMissing},
		{"blank subject", func(c jwt.MapClaims) { c["sub"] = "  " }, autherr.CodeUserKeyMissing},
		{"expired", func(c jwt.MapClaims) { c["exp"] = testNow.Add(-time.Second).Unix() }, autherr.CodeSignatureInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := appleClaims()
			tc.mutate(claims)
			_, err := v.Verify(context.Background(), signRS256(t, key, "k1", claims))
			assertCode(t, err, tc.want)
		})
	}
}

func TestAppleMalformedToken(t *testing.T) {
	v := newApple(t, "http://127.0.0.1:1/keys", 0)
	_, err := v.Verify(context.Background(), "a.b")
	assertCode(t, err, autherr.CodeSignatureInvalid)
}

func TestAppleRejectsNonRS256(t *testing.T) {
	key := mustRSAKey(t)
	srv, _ := jwksServer(t, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{publicJWK("k1", &key.PublicKey)}})
	v := newApple(t, srv.URL, 0)

	tok := jwt.NewWithClaims(jwt.SigningMethodPS256, appleClaims())
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = v.Verify(context.Background(), raw)
	assertCode(t, err, autherr.CodeSignatureInvalid)
}

func TestAppleKeyFetchFailures(t *testing.T) {
	key := mustRSAKey(t)
	token := signRS256(t, key, "k1", appleClaims())

	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		_, err := newApple(t, srv.URL, 0).Verify(context.Background(), token)
		assertCode(t, err, autherr.CodeKeyFetchFailed)
	})
	t.Run("body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}))
		defer srv.Close()
		_, err := newApple(t, srv.URL, 0).Verify(context.Background(), token)
		assertCode(t, err, autherr.CodeKeyFetchFailed)
	})
	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()
		v, err := NewAppleVerifier(AppleConfig{
			ClientID: appleClientID,
			Issuer:   "https://appleid.apple.com",
			JWKSURL:  srv.URL,
		}, http.DefaultClient, 20*time.Millisecond, fixedClock, discardLogger())
		if err != nil {
			t.Fatalf("NewAppleVerifier: %v", err)
		}
		_, err = v.Verify(context.Background(), token)
		assertCode(t, err, autherr.CodeKeyFetchFailed)
	})
}

func TestAppleFetchesEveryCallWithoutCache(t *testing.T) {
	key := mustRSAKey(t)
	srv, hits := jwksServer(t, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{publicJWK("k1", &key.PublicKey)}})
	v := newApple(t, srv.URL, 0)
	token := signRS256(t, key, "k1", appleClaims())

	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), token); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("expected 3 fetches, got %d", n)
	}
}

func TestAppleKeyCache(t *testing.T) {
	key := mustRSAKey(t)
	srv, hits := jwksServer(t, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{publicJWK("k1", &key.PublicKey)}})
	v := newApple(t, srv.URL, time.Hour)
	token := signRS256(t, key, "k1", appleClaims())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Verify(context.Background(), token); err != nil {
				t.Errorf("Verify: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n := hits.Load(); n < 1 || n > 8 {
		t.Fatalf("unexpected fetch count %d", n)
	}
	before := hits.Load()
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if hits.Load() != before {
		t.Fatalf("cached key set must be reused")
	}

	// A kid miss forces one refresh.
	_, err := v.Verify(context.Background(), signRS256(t, key, "rotated", appleClaims()))
	assertCode(t, err, autherr.CodeKeyNotFound)
	if hits.Load() != before+1 {
		t.Fatalf("expected exactly one refresh on kid miss, got %d", hits.Load()-before)
	}
}

func TestAppleSharedFetchSurvivesCancelledCaller(t *testing.T) {
	key := mustRSAKey(t)
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{publicJWK("k1", &key.PublicKey)}}
	started := make(chan struct{})
	var once sync.Once
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		once.Do(func() { close(started) })
		time.Sleep(150 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()
	v := newApple(t, srv.URL, time.Hour)
	token := signRS256(t, key, "k1", appleClaims())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := v.Verify(ctxA, token)
		errA <- err
	}()
	<-started

	errB := make(chan error, 1)
	go func() {
		_, err := v.Verify(context.Background(), token)
		errB <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()

	assertCode(t, <-errA, autherr.CodeKeyFetchFailed)
	if err := <-errB; err != nil {
		t.Fatalf("second caller must not see the first caller's cancellation: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected one shared fetch, got %d", n)
	}
}
