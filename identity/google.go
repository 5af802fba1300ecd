package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"signind/autherr"
)

// GoogleConfig configures ID token verification for Google sign-in.
type GoogleConfig struct {
	Enabled   bool     `yaml:"enabled" env:"ENABLED"`
	ClientIDs []string `yaml:"client_ids" env:"CLIENT_IDS" envSeparator:","`
	Issuers   []string `yaml:"issuers" env:"ISSUERS" envSeparator:","`
	JWKSURL   string   `yaml:"jwks_url" env:"JWKS_URL"`
}

// GoogleVerifier checks Google ID tokens with go-oidc.
type GoogleVerifier struct {
	verifier  *oidc.IDTokenVerifier
	clientIDs []string
	issuers   []string
	logger    *slog.Logger
}

type googleClaims struct {
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

// NewGoogleVerifier builds the verifier. keySet may be nil, in which case
// signing keys are fetched from cfg.JWKSURL through httpClient.
func NewGoogleVerifier(ctx context.Context, cfg GoogleConfig, keySet oidc.KeySet, httpClient *http.Client, now func() time.Time, logger *slog.Logger) (*GoogleVerifier, error) {
	if len(cfg.ClientIDs) == 0 {
		return nil, errors.New("google: at least one client id is required")
	}
	if len(cfg.Issuers) == 0 {
		return nil, errors.New("google: at least one issuer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if keySet == nil {
		if cfg.JWKSURL == "" {
			return nil, errors.New("google: jwks url is required")
		}
		keyCtx := context.WithoutCancel(ctx)
		if httpClient != nil {
			keyCtx = oidc.ClientContext(keyCtx, httpClient)
		}
		keySet = oidc.NewRemoteKeySet(keyCtx, cfg.JWKSURL)
	}
	keySet = fetchReportingKeySet{inner: keySet}

	// Issuer and audience accept several values, so both are checked after
	// go-oidc has verified signature and expiry.
	verifier := oidc.NewVerifier(cfg.Issuers[0], keySet, &oidc.Config{
		SkipClientIDCheck: true,
		SkipIssuerCheck:   true,
		Now:               now,
	})

	return &GoogleVerifier{
		verifier:  verifier,
		clientIDs: cfg.ClientIDs,
		issuers:   cfg.Issuers,
		logger:    logger,
	}, nil
}

func (g *GoogleVerifier) Verify(ctx context.Context, providerToken string) (VerifiedIdentity, error) {
	var fetchErr error
	idToken, err := g.verifier.Verify(context.WithValue(ctx, keyFetchErrKey{}, &fetchErr), providerToken)
	if fetchErr != nil {
		g.logger.Warn("google key set fetch failed", "error", fetchErr)
		return VerifiedIdentity{}, autherr.Wrap(autherr.CodeKeyFetchFailed, autherr.ErrKeyFetchFailed.Message, fetchErr)
	}
	if err != nil {
		return VerifiedIdentity{}, autherr.Wrap(autherr.CodeInvalidProviderToken, "Invalid Google ID token", err)
	}
	if !contains(g.issuers, idToken.Issuer) {
		return VerifiedIdentity{}, autherr.New(autherr.CodeInvalidProviderToken, "Invalid Google ID token issuer")
	}
	if !anyAllowed(idToken.Audience, g.clientIDs) {
		return VerifiedIdentity{}, autherr.New(autherr.CodeInvalidProviderToken, "Invalid Google ID token audience")
	}
	if strings.TrimSpace(idToken.Subject) == "" {
		return VerifiedIdentity{}, autherr.New(autherr.CodeInvalidProviderToken, "Google ID token has no subject")
	}

	var claims googleClaims
	if err := idToken.Claims(&claims); err != nil {
		return VerifiedIdentity{}, autherr.Wrap(autherr.CodeInvalidProviderToken, "Invalid Google ID token claims", err)
	}

	g.logger.Debug("google id token verified", "subject", idToken.Subject)
	return VerifiedIdentity{
		ProviderUserKey: idToken.Subject,
		Email:           claims.Email,
		DisplayImageURL: claims.Picture,
	}, nil
}

type keyFetchErrKey struct{}

// fetchReportingKeySet records key download failures in the verification
// context. IDTokenVerifier formats key set errors with %v, so the cause is
// not recoverable from its return value.
type fetchReportingKeySet struct {
	inner oidc.KeySet
}

func (k fetchReportingKeySet) VerifySignature(ctx context.Context, jwt string) ([]byte, error) {
	payload, err := k.inner.VerifySignature(ctx, jwt)
	// RemoteKeySet only wraps errors from its fetch path.
	if err != nil && errors.Unwrap(err) != nil {
		if slot, ok := ctx.Value(keyFetchErrKey{}).(*error); ok {
			*slot = err
		}
	}
	return payload, err
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func anyAllowed(have, allowed []string) bool {
	for _, h := range have {
		if contains(allowed, h) {
			return true
		}
	}
	return false
}
