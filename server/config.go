package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"signind/identity"
)

// Hardcoded token defaults
const (
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 14 * 24 * time.Hour
	DefaultIssuer     = "signind"

	// EnvPrefix is prepended to every environment override.
	EnvPrefix = "SIGNIND_"

	minSigningKeyBytes = 32
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Backend names accepted by the revocation and users sections.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Tokens     TokensConfig     `yaml:"tokens" envPrefix:"TOKENS_"`
	Providers  identity.Config  `yaml:"providers" envPrefix:"PROVIDERS_"`
	Revocation RevocationConfig `yaml:"revocation" envPrefix:"REVOCATION_"`
	Users      UsersConfig      `yaml:"users" envPrefix:"USERS_"`
	Redis      RedisConfig      `yaml:"redis" envPrefix:"REDIS_"`
	SQLite     SQLiteConfig     `yaml:"sqlite" envPrefix:"SQLITE_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url" env:"PUBLIC_URL"`
	DevListenAddr   string     `yaml:"dev_listen_addr" env:"DEV_LISTEN_ADDR"`
	HTTPListenAddr  string     `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string     `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode         bool       `yaml:"dev_mode" env:"DEV_MODE"`
	SecretsPath     string     `yaml:"secrets_path" env:"SECRETS_PATH"`
	TLS             TLSConfig  `yaml:"tls" envPrefix:"TLS_"`
	CORS            CORSConfig `yaml:"cors" envPrefix:"CORS_"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"DOMAINS" envSeparator:","`
	Email      string   `yaml:"email" env:"EMAIL"`
	MinVersion string   `yaml:"min_version" env:"MIN_VERSION"`
	HSTSMaxAge int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	AllowedMethods []string `yaml:"allowed_methods" env:"ALLOWED_METHODS" envSeparator:","`
	AllowedHeaders []string `yaml:"allowed_headers" env:"ALLOWED_HEADERS" envSeparator:","`
}

// TokensConfig configures session token signing.
type TokensConfig struct {
	SigningKey string        `yaml:"signing_key" env:"SIGNING_KEY"`
	Issuer     string        `yaml:"issuer" env:"ISSUER"`
	AccessTTL  time.Duration `yaml:"access_ttl" env:"ACCESS_TTL"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" env:"REFRESH_TTL"`
}

// RevocationConfig selects the denylist backend.
type RevocationConfig struct {
	Backend       string        `yaml:"backend" env:"BACKEND"`
	RedisPrefix   string        `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	PruneInterval time.Duration `yaml:"prune_interval" env:"PRUNE_INTERVAL"`
}

// UsersConfig selects the identity-link backend.
type UsersConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`
}

// RedisConfig describes the shared Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// SQLiteConfig describes the shared SQLite database file.
type SQLiteConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		// An empty file decodes to io.EOF and keeps the defaults.
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		slog.Error("Failed to apply environment overrides", "error", err)
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Tokens: TokensConfig{
			Issuer:     DefaultIssuer,
			AccessTTL:  DefaultAccessTTL,
			RefreshTTL: DefaultRefreshTTL,
		},
		Providers: identity.DefaultConfig(),
		Revocation: RevocationConfig{
			Backend:     BackendMemory,
			RedisPrefix: "signind:revoked:",
		},
		Users: UsersConfig{Backend: BackendMemory},
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		SQLite: SQLiteConfig{
			Path: "signind.db",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	return nil
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	// Dev mode may run with an ephemeral key; anything configured must be strong.
	if c.Tokens.SigningKey == "" && !c.Server.DevMode {
		slog.Error("Missing required configuration for production mode", "field", "tokens.signing_key")
		return errors.New("tokens.signing_key is required in production (or set SIGNIND_TOKENS_SIGNING_KEY)")
	}
	if c.Tokens.SigningKey != "" && len(c.Tokens.SigningKey) < minSigningKeyBytes {
		slog.Error("Signing key too short", "field", "tokens.signing_key", "min_bytes", minSigningKeyBytes)
		return fmt.Errorf("tokens.signing_key must be at least %d bytes", minSigningKeyBytes)
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		slog.Error("Invalid token lifetimes", "access_ttl", c.Tokens.AccessTTL, "refresh_ttl", c.Tokens.RefreshTTL)
		return errors.New("tokens.access_ttl and tokens.refresh_ttl must be positive")
	}
	if c.Tokens.AccessTTL >= c.Tokens.RefreshTTL {
		slog.Error("Invalid token lifetimes", "reason", "access_ttl must be shorter than refresh_ttl")
		return errors.New("tokens.access_ttl must be shorter than tokens.refresh_ttl")
	}

	if err := c.validateProviders(); err != nil {
		return err
	}

	switch c.Revocation.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		slog.Error("Invalid revocation backend", "field", "revocation.backend", "value", c.Revocation.Backend)
		return fmt.Errorf("revocation.backend must be one of memory, redis, sqlite, got: %s", c.Revocation.Backend)
	}
	if c.Revocation.PruneInterval < 0 {
		return errors.New("revocation.prune_interval must not be negative")
	}
	switch c.Users.Backend {
	case BackendMemory, BackendSQLite:
	default:
		slog.Error("Invalid users backend", "field", "users.backend", "value", c.Users.Backend)
		return fmt.Errorf("users.backend must be one of memory, sqlite, got: %s", c.Users.Backend)
	}

	if c.Revocation.Backend == BackendRedis && c.Redis.Addr == "" {
		slog.Error("Missing required configuration", "field", "redis.addr")
		return errors.New("redis.addr is required when revocation.backend is redis")
	}
	if (c.Revocation.Backend == BackendSQLite || c.Users.Backend == BackendSQLite) && c.SQLite.Path == "" {
		slog.Error("Missing required configuration", "field", "sqlite.path")
		return errors.New("sqlite.path is required when a sqlite backend is selected")
	}

	return nil
}

func (c Config) validateProviders() error {
	p := c.Providers
	if p.HTTPTimeout <= 0 {
		slog.Error("Invalid provider timeout", "field", "providers.http_timeout", "value", p.HTTPTimeout)
		return errors.New("providers.http_timeout must be positive")
	}
	if p.Google.Enabled && len(p.Google.ClientIDs) == 0 {
		slog.Error("Provider missing client_ids", "provider", "google", "field", "providers.google.client_ids")
		return errors.New("providers.google.client_ids is required when google is enabled")
	}
	if p.Kakao.Enabled && p.Kakao.AppID != "" {
		if _, err := strconv.ParseInt(p.Kakao.AppID, 10, 64); err != nil {
			slog.Error("Provider app_id must be numeric", "provider", "kakao", "field", "providers.kakao.app_id")
			return fmt.Errorf("providers.kakao.app_id must be numeric, got: %s", p.Kakao.AppID)
		}
	}
	if p.Apple.Enabled && p.Apple.ClientID == "" {
		slog.Error("Provider missing client_id", "provider", "apple", "field", "providers.apple.client_id")
		return errors.New("providers.apple.client_id is required when apple is enabled")
	}
	if p.Apple.KeyCacheTTL < 0 {
		return errors.New("providers.apple.jwks_cache_ttl must not be negative")
	}
	if !c.Server.DevMode && !p.Google.Enabled && !p.Kakao.Enabled && !p.Apple.Enabled {
		slog.Error("No providers enabled", "reason", "at least one provider must be enabled in production mode")
		return errors.New("at least one provider must be enabled in production mode")
	}
	return nil
}
