package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"signind/autherr"
)

// AppleConfig configures ID token verification for Sign in with Apple.
type AppleConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	Issuer   string `yaml:"issuer" env:"ISSUER"`
	JWKSURL  string `yaml:"jwks_url" env:"JWKS_URL"`
	// KeyCacheTTL reuses a fetched key set for this long. Zero fetches the
	// set on every verification.
	KeyCacheTTL time.Duration `yaml:"jwks_cache_ttl" env:"JWKS_CACHE_TTL"`
}

// AppleVerifier checks Apple ID tokens against Apple's published keys.
type AppleVerifier struct {
	clientID string
	issuer   string
	jwksURL  string
	cacheTTL time.Duration
	timeout  time.Duration
	client   *http.Client
	now      func() time.Time
	logger   *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
}

// NewAppleVerifier builds the verifier.
func NewAppleVerifier(cfg AppleConfig, httpClient *http.Client, timeout time.Duration, now func() time.Time, logger *slog.Logger) (*AppleVerifier, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("apple: client id is required")
	}
	if cfg.Issuer == "" || cfg.JWKSURL == "" {
		return nil, errors.New("apple: issuer and jwks url are required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AppleVerifier{
		clientID: cfg.ClientID,
		issuer:   cfg.Issuer,
		jwksURL:  cfg.JWKSURL,
		cacheTTL: cfg.KeyCacheTTL,
		timeout:  timeout,
		client:   httpClient,
		now:      now,
		logger:   logger,
	}, nil
}

func (a *AppleVerifier) Verify(ctx context.Context, providerToken string) (VerifiedIdentity, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)

	unverified, _, err := parser.ParseUnverified(providerToken, jwt.MapClaims{})
	if err != nil {
		return VerifiedIdentity{}, autherr.Wrap(autherr.CodeSignatureInvalid, autherr.ErrSignatureInvalid.Message, err)
	}
	kid, _ := unverified.Header["kid"].(string)

	key, err := a.signingKey(ctx, kid)
	if err != nil {
		return VerifiedIdentity{}, err
	}

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(providerToken, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return VerifiedIdentity{}, autherr.Wrap(autherr.CodeSignatureInvalid, autherr.ErrSignatureInvalid.Message, err)
	}

	if iss, _ := claims.GetIssuer(); iss != a.issuer {
		return VerifiedIdentity{}, autherr.ErrIssuerMismatch
	}
	aud, _ := claims.GetAudience()
	if !contains(aud, a.clientID) {
		return VerifiedIdentity{}, autherr.ErrAudienceMismatch
	}
	sub, _ := claims.GetSubject()
	if strings.TrimSpace(sub) == "" {
		return VerifiedIdentity{}, autherr.ErrUserKeyMissing
	}
	email, _ := claims["email"].(string)

	a.logger.Debug("apple id token verified", "subject", sub, "kid", kid)
	return VerifiedIdentity{ProviderUserKey: sub, Email: email}, nil
}

// signingKey resolves kid to an RSA public key.
func (a *AppleVerifier) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	set, cached, err := a.keySet(ctx, false)
	if err != nil {
		return nil, err
	}
	keys := set.Key(kid)
	if len(keys) == 0 && cached {
		// Apple rotates keys; a miss against a cached set forces one refresh.
		if set, _, err = a.keySet(ctx, true); err != nil {
			return nil, err
		}
		keys = set.Key(kid)
	}
	if len(keys) == 0 || kid == "" {
		return nil, autherr.ErrKeyNotFound
	}
	pub, ok := keys[0].Key.(*rsa.PublicKey)
	if !ok {
		return nil, autherr.ErrKeyTypeInvalid
	}
	return pub, nil
}

// keySet returns the current key set and whether it came from the cache.
func (a *AppleVerifier) keySet(ctx context.Context, forceRefresh bool) (jose.JSONWebKeySet, bool, error) {
	if a.cacheTTL <= 0 {
		set, err := a.fetchKeys(ctx)
		return set, false, err
	}

	if !forceRefresh {
		a.mu.RLock()
		cache := a.cache
		a.mu.RUnlock()
		if cache.set.Keys != nil && a.now().Before(cache.expires) {
			return cache.set, true, nil
		}
	}

	// The shared fetch outlives any single caller; each caller only stops
	// waiting when its own context ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan("jwks", func() (any, error) {
		set, err := a.fetchKeys(fetchCtx)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.cache = jwksCache{set: set, expires: a.now().Add(a.cacheTTL)}
		a.mu.Unlock()
		return set, nil
	})
	select {
	case <-ctx.Done():
		return jose.JSONWebKeySet{}, false, autherr.Wrap(autherr.CodeKeyFetchFailed, autherr.ErrKeyFetchFailed.Message, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return jose.JSONWebKeySet{}, false, res.Err
		}
		return res.Val.(jose.JSONWebKeySet), false, nil
	}
}

func (a *AppleVerifier) fetchKeys(ctx context.Context) (jose.JSONWebKeySet, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	var set jose.JSONWebKeySet
	if err := getJSON(ctx, a.client, a.jwksURL, &set); err != nil {
		a.logger.Warn("apple key set fetch failed", "error", err)
		return jose.JSONWebKeySet{}, autherr.Wrap(autherr.CodeKeyFetchFailed, autherr.ErrKeyFetchFailed.Message, err)
	}
	return set, nil
}
