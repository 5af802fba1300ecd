// Package session issues and validates the service's own HS256 session tokens.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"signind/autherr"
)

// Kind distinguishes short-lived access tokens from long-lived refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindAccess || k == KindRefresh
}

// Claims captures the JWT claims we mint and validate.
type Claims struct {
	Kind Kind `json:"kind"`
	jwt.RegisteredClaims
}

// Config is the immutable signing configuration. It is built once at startup.
type Config struct {
	Key        []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenService signs and validates session tokens. It holds no mutable state
// and is safe for concurrent use.
type TokenService struct {
	key        []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService constructs a TokenService. A nil clock means time.Now.
func NewTokenService(cfg Config, now func() time.Time) (*TokenService, error) {
	if len(cfg.Key) == 0 {
		return nil, errors.New("session: signing key required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("session: token ttls must be positive")
	}
	if now == nil {
		now = time.Now
	}
	key := make([]byte, len(cfg.Key))
	copy(key, cfg.Key)
	return &TokenService{
		key:        key,
		issuer:     strings.TrimSpace(cfg.Issuer),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        now,
	}, nil
}

// TTL returns the configured lifetime for kind.
func (ts *TokenService) TTL(kind Kind) time.Duration {
	if kind == KindRefresh {
		return ts.refreshTTL
	}
	return ts.accessTTL
}

// Issue mints a token of the given kind for subjectID.
func (ts *TokenService) Issue(subjectID string, kind Kind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("session: unknown token kind %q", kind)
	}
	if strings.TrimSpace(subjectID) == "" {
		return "", errors.New("session: subject required")
	}
	now := ts.now()
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    ts.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.TTL(kind))),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.key)
	if err != nil {
		return "", fmt.Errorf("session: sign token: %w", err)
	}
	return signed, nil
}

// Validate verifies signature, issuer and expiry, then checks that the token
// is of requiredKind.
func (ts *TokenService) Validate(token string, requiredKind Kind) (*Claims, error) {
	claims, err := ts.parse(token)
	if err != nil {
		return nil, signatureError(requiredKind, err)
	}
	if claims.Kind != requiredKind {
		return nil, autherr.Wrap(autherr.CodeTokenTypeMismatch,
			autherr.ErrTokenTypeMismatch.Message,
			fmt.Errorf("expected %s token, got %q", requiredKind, claims.Kind))
	}
	return claims, nil
}

// ParseSubject returns the subject of a token that already passed Validate.
func (ts *TokenService) ParseSubject(token string) (string, error) {
	claims, err := ts.parse(token)
	if err != nil {
		return "", autherr.Wrap(autherr.CodeTokenSignatureInvalid, autherr.ErrTokenSignatureInvalid.Message, err)
	}
	return claims.Subject, nil
}

// ExpiryOf returns the token's own expiry, so that revocation records mirror
// it exactly.
func (ts *TokenService) ExpiryOf(token string, kind Kind) (time.Time, error) {
	claims, err := ts.Validate(token, kind)
	if err != nil {
		return time.Time{}, err
	}
	return claims.ExpiresAt.Time, nil
}

func (ts *TokenService) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ts.now),
		jwt.WithExpirationRequired(),
	}
	if ts.issuer != "" {
		opts = append(opts, jwt.WithIssuer(ts.issuer))
	}
	tok, err := jwt.ParseWithClaims(token, &Claims{}, ts.keyfunc, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject missing")
	}
	return claims, nil
}

func (ts *TokenService) keyfunc(*jwt.Token) (any, error) {
	return ts.key, nil
}

func signatureError(kind Kind, cause error) error {
	if kind == KindRefresh {
		return autherr.Wrap(autherr.CodeRefreshTokenSignatureInvalid, autherr.ErrRefreshTokenSignatureInvalid.Message, cause)
	}
	return autherr.Wrap(autherr.CodeAccessTokenSignatureInvalid, autherr.ErrAccessTokenSignatureInvalid.Message, cause)
}
