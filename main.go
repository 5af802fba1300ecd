package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"signind/client"
	"signind/identity"
	"signind/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("SIGNIND_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	// Handle config commands (init/validate)
	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	commandArgs := args
	if len(commandArgs) > 0 && (commandArgs[0] == "verify" || commandArgs[0] == "login") {
		command = commandArgs[0]
		commandArgs = commandArgs[1:]
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(commandArgs) > 0 {
		configFile = commandArgs[0]
		commandArgs = commandArgs[1:]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	switch command {
	case "verify":
		if len(commandArgs) != 2 {
			log.Fatalf("usage: %s [--config path] verify <provider> <provider-token>", os.Args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		reg, err := identity.BuildRegistry(ctx, cfg.Providers, time.Now, logger)
		if err != nil {
			log.Fatalf("build providers: %v", err)
		}
		if _, err := runVerify(ctx, reg, commandArgs[0], commandArgs[1], logger); err != nil {
			os.Exit(1)
		}
		return
	case "login":
		if len(commandArgs) != 2 {
			log.Fatalf("usage: %s [--config path] login <provider> <provider-token>", os.Args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runLogin(ctx, cfg.Server.PublicURL, commandArgs[0], commandArgs[1], nil, os.Stdout, logger); err != nil {
			logger.Error("login failed", "provider", commandArgs[0], "error", err)
			os.Exit(1)
		}
		return
	}

	// Validate provider key endpoints are reachable on startup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	validateStartupURLs(ctx, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	stopPrune := make(chan struct{})
	application.StartPruning(stopPrune)
	defer close(stopPrune)

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		// Build TLS cache path from secrets directory
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:         cfg.Server.HTTPSListenAddr,
			Handler:      handler,
			TLSConfig:    tlsCfg,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runVerify checks a provider token directly against the provider, without
// touching sessions or the identity-link store.
func runVerify(ctx context.Context, reg *identity.Registry, providerName, token string, logger *slog.Logger) (identity.VerifiedIdentity, error) {
	if providerName == "" || token == "" {
		return identity.VerifiedIdentity{}, errors.New("provider and token are required")
	}
	provider, verifier, err := reg.Get(providerName)
	if err != nil {
		logger.Error("verify.failed", "provider", providerName, "error", err)
		return identity.VerifiedIdentity{}, err
	}

	logger.Info("verify.start", "provider", provider)
	start := time.Now()
	verified, err := verifier.Verify(ctx, token)
	if err != nil {
		logger.Error("verify.failed", "provider", provider, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return identity.VerifiedIdentity{}, err
	}
	logger.Info("verify.success",
		"provider", provider,
		"provider_user_key", verified.ProviderUserKey,
		"email", verified.Email,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return verified, nil
}

// runLogin performs a login against a running service and prints the result
// as YAML.
func runLogin(ctx context.Context, baseURL, providerName, token string, httpClient *http.Client, out io.Writer, logger *slog.Logger) error {
	c, err := client.New(client.Config{BaseURL: baseURL, HTTPClient: httpClient})
	if err != nil {
		return err
	}
	res, err := c.Login(ctx, providerName, token)
	if err != nil {
		return err
	}
	logger.Info("login.success", "provider", res.Subject.Provider, "subject", res.Subject.SubjectID, "new_user", res.IsNewUser)

	exp, err := client.ExpiresAt(res.AccessToken)
	if err != nil {
		return fmt.Errorf("read access token expiry: %w", err)
	}
	data, err := yaml.Marshal(map[string]any{
		"subject_id":        res.Subject.SubjectID,
		"provider":          res.Subject.Provider,
		"email":             res.Subject.Email,
		"new_user":          res.IsNewUser,
		"access_token":      res.AccessToken,
		"access_expires_at": exp.UTC().Format(time.RFC3339),
		"refresh_token":     res.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating provider key endpoints...")
	for name, u := range keyEndpoints(cfg) {
		if err := validateURL(ctx, u, logger); err != nil {
			logger.Error("provider URL validation failed", "provider", name, "url", u, "error", err)
		} else {
			logger.Info("provider URL is accessible", "provider", name, "url", u)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	// Non-blocking, just warnings
	for name, u := range keyEndpoints(cfg) {
		if err := validateURL(ctx, u, logger); err != nil {
			logger.Warn("provider URL may not be accessible",
				"provider", name,
				"url", u,
				"error", err,
				"note", "server will continue but logins with this provider may fail")
		} else {
			logger.Debug("provider URL is accessible", "provider", name, "url", u)
		}
	}
}

// keyEndpoints lists the public key set URLs of enabled providers. Kakao has
// no anonymous endpoint to probe.
func keyEndpoints(cfg server.Config) map[string]string {
	out := map[string]string{}
	if cfg.Providers.Google.Enabled && cfg.Providers.Google.JWKSURL != "" {
		out[string(identity.Google)] = cfg.Providers.Google.JWKSURL
	}
	if cfg.Providers.Apple.Enabled && cfg.Providers.Apple.JWKSURL != "" {
		out[string(identity.Apple)] = cfg.Providers.Apple.JWKSURL
	}
	return out
}

func validateURL(ctx context.Context, urlStr string, logger *slog.Logger) error {
	httpClient := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	logger.Debug("url probe", "url", urlStr, "status", resp.StatusCode)
	return nil
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.DevListenAddr = ask(reader, out, "Dev listen address", cfg.Server.DevListenAddr)
		cfg.Server.PublicURL = "http://" + cfg.Server.DevListenAddr
	} else {
		domain := askRequired(reader, out, "Primary public domain (e.g. auth.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	// 32 random bytes, hex encoded
	cfg.Tokens.SigningKey = randomHex(32)

	if askYesNo(reader, out, "Enable Google sign-in?", false) {
		cfg.Providers.Google.Enabled = true
		ids := askRequired(reader, out, "Google OAuth client IDs (comma separated)")
		cfg.Providers.Google.ClientIDs = normalizeList(ids, nil)
	}
	if askYesNo(reader, out, "Enable Kakao sign-in?", false) {
		cfg.Providers.Kakao.Enabled = true
		cfg.Providers.Kakao.AppID = ask(reader, out, "Kakao app ID (numeric, empty to skip the check)", "")
	}
	if askYesNo(reader, out, "Enable Apple sign-in?", false) {
		cfg.Providers.Apple.Enabled = true
		cfg.Providers.Apple.ClientID = askRequired(reader, out, "Apple client ID (bundle or services ID)")
	}

	backend := ask(reader, out, "Revocation backend (memory, redis, sqlite)", cfg.Revocation.Backend)
	cfg.Revocation.Backend = backend
	switch backend {
	case server.BackendRedis:
		cfg.Redis.Addr = ask(reader, out, "Redis address", cfg.Redis.Addr)
	case server.BackendSQLite:
		cfg.Users.Backend = server.BackendSQLite
		cfg.SQLite.Path = ask(reader, out, "SQLite database path", cfg.SQLite.Path)
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Fprintln(out, "Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
