package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"signind/auth"
	"signind/identity"
	"signind/metrics"
	"signind/revocation"
	"signind/session"
	"signind/storage"
	"signind/users"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Auth      *auth.Service
	Verifiers *identity.Registry
	Metrics   *metrics.Metrics
	Revoked   revocation.Pair

	closers []func() error
}

// Option customizes NewApp.
type Option func(*appOptions)

type appOptions struct {
	verifiers *identity.Registry
	now       func() time.Time
}

// WithVerifiers replaces the provider registry built from config.
func WithVerifiers(reg *identity.Registry) Option {
	return func(o *appOptions) { o.verifiers = reg }
}

// WithClock sets the clock used for token and revocation expiry.
func WithClock(now func() time.Time) Option {
	return func(o *appOptions) { o.now = now }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := appOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{Config: cfg, Logger: logger, Metrics: metrics.New(cfg.Metrics.Enabled)}

	key, err := signingKey(cfg, logger)
	if err != nil {
		return nil, err
	}
	tokens, err := session.NewTokenService(session.Config{
		Key:        key,
		Issuer:     cfg.Tokens.Issuer,
		AccessTTL:  cfg.Tokens.AccessTTL,
		RefreshTTL: cfg.Tokens.RefreshTTL,
	}, o.now)
	if err != nil {
		return nil, err
	}

	verifiers := o.verifiers
	if verifiers == nil {
		verifiers, err = identity.BuildRegistry(ctx, cfg.Providers, o.now, logger)
		if err != nil {
			return nil, err
		}
	}
	if len(verifiers.Providers()) == 0 {
		logger.Warn("no identity providers enabled", "note", "every login will fail with UNSUPPORTED_PROVIDER")
	}
	app.Verifiers = verifiers

	var db *sql.DB
	if cfg.Revocation.Backend == BackendSQLite || cfg.Users.Backend == BackendSQLite {
		db, err = storage.OpenSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, db.Close)
	}

	revoked, err := app.buildRevocation(ctx, db, o.now)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Revoked = revoked

	linked, err := buildUsers(ctx, cfg, db, o.now)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Auth, err = auth.NewService(auth.Options{
		Verifiers: verifiers,
		Users:     linked,
		Tokens:    tokens,
		Revoked:   revoked,
		Metrics:   app.Metrics,
		Logger:    logger,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	logger.Info("app initialized",
		"providers", verifiers.Providers(),
		"revocation_backend", cfg.Revocation.Backend,
		"users_backend", cfg.Users.Backend,
		"metrics", cfg.Metrics.Enabled,
	)
	return app, nil
}

func (a *App) buildRevocation(ctx context.Context, db *sql.DB, now func() time.Time) (revocation.Pair, error) {
	switch a.Config.Revocation.Backend {
	case BackendRedis:
		client, err := revocation.NewRedisClient(ctx, a.Config.Redis.Addr, a.Config.Redis.Password, a.Config.Redis.DB)
		if err != nil {
			return revocation.Pair{}, err
		}
		a.closers = append(a.closers, client.Close)
		return redisPair(client, a.Config.Revocation.RedisPrefix, now), nil
	case BackendSQLite:
		access, err := revocation.NewSQLiteStore(ctx, db, "revoked_access_tokens", now)
		if err != nil {
			return revocation.Pair{}, err
		}
		refresh, err := revocation.NewSQLiteStore(ctx, db, "revoked_refresh_tokens", now)
		if err != nil {
			return revocation.Pair{}, err
		}
		return revocation.Pair{Access: access, Refresh: refresh}, nil
	default:
		return revocation.Pair{
			Access:  revocation.NewMemoryStore(now),
			Refresh: revocation.NewMemoryStore(now),
		}, nil
	}
}

func redisPair(client redis.UniversalClient, prefix string, now func() time.Time) revocation.Pair {
	return revocation.Pair{
		Access:  revocation.NewRedisStore(client, prefix+"access:", now),
		Refresh: revocation.NewRedisStore(client, prefix+"refresh:", now),
	}
}

func buildUsers(ctx context.Context, cfg Config, db *sql.DB, now func() time.Time) (users.Store, error) {
	if cfg.Users.Backend == BackendSQLite {
		return users.NewSQLiteStore(ctx, db, now)
	}
	return users.NewMemoryStore(now), nil
}

// signingKey returns the configured key, or an ephemeral one in dev mode.
func signingKey(cfg Config, logger *slog.Logger) ([]byte, error) {
	if cfg.Tokens.SigningKey != "" {
		return []byte(cfg.Tokens.SigningKey), nil
	}
	if !cfg.Server.DevMode {
		return nil, errors.New("tokens.signing_key is required")
	}
	key := make([]byte, minSigningKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	logger.Warn("using ephemeral signing key", "note", "sessions will not survive a restart")
	return key, nil
}

// StartPruning removes expired denylist records until stop is closed. It is
// a no-op when no interval is configured or the backend expires keys itself.
func (a *App) StartPruning(stop <-chan struct{}) {
	revocation.StartPruning(a.Config.Revocation.PruneInterval, a.Logger, stop, a.Revoked.Access, a.Revoked.Refresh)
}

// Close releases backend connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
