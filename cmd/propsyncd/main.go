package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/spaceya/propsync/internal/config"
	"github.com/spaceya/propsync/internal/docstore"
	"github.com/spaceya/propsync/internal/httpapi"
	"github.com/spaceya/propsync/internal/logging"
	"github.com/spaceya/propsync/internal/remote"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "propsyncd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "token" {
		return runToken(args[1:], stdout)
	}

	fs := flag.NewFlagSet("propsyncd", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("PROPSYNC_CONFIG"), "config file path")
	addr := fs.String("addr", "", "listen address (overrides [server] addr)")
	backend := fs.String("backend", "", "document backend DSN: memory://, file://, sqlite://, postgres://, s3://")
	profile := fs.String("profile", "", "backend profile: memory, durable-local, production")
	jwtSecret := fs.String("jwt-secret", "", "HS256 secret for bearer tokens")
	logLevel := fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	overrideString(&cfg.Server.Addr, *addr)
	overrideString(&cfg.Server.Backend, *backend)
	overrideString(&cfg.Server.Profile, *profile)
	overrideString(&cfg.Server.JWTSecret, *jwtSecret)
	overrideString(&cfg.Log.Level, *logLevel)

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Path: cfg.Log.Path})
	if err != nil {
		return err
	}
	defer logger.Close()
	if cfg.Server.JWTSecret == "" {
		logger.Warn().Msg("no jwt secret configured; using the development secret")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	store, err := buildStore(cfg.Server, logger.Logger, docstore.NewMetrics(reg))
	if err != nil {
		return fmt.Errorf("initialize document store: %w", err)
	}
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Gatherer:        reg,
		Logger:          logger.With().Str("component", "httpapi").Logger(),
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("propsyncd listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	// Closing the store first ends open subscriptions, which Shutdown does
	// not wait for.
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("close document store")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildStore(cfg config.ServerConfig, logger zerolog.Logger, metrics *docstore.Metrics) (*docstore.Store, error) {
	backend, err := buildStateBackend(cfg)
	if err != nil {
		return nil, err
	}
	return docstore.NewStoreWithOptions(docstore.StoreOptions{
		Backend:  backend,
		Validate: httpapi.AppStateValidator(remote.DefaultCollection),
		Logger:   logger.With().Str("component", "docstore").Logger(),
		Metrics:  metrics,
	})
}

func buildStateBackend(cfg config.ServerConfig) (docstore.StateBackend, error) {
	if strings.TrimSpace(cfg.Backend) != "" {
		return docstore.BuildStateBackendFromDSN(cfg.Backend)
	}
	profileDSN, err := storageProfileDefaults(cfg.Profile, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return docstore.BuildStateBackendFromDSN(profileDSN)
}

func storageProfileDefaults(profile, dataDir string) (string, error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if strings.TrimSpace(dataDir) == "" {
		dataDir = ".propsync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "documents.db"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("PROPSYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("PROPSYNC_POSTGRES_DSN is required when the backend profile is %s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
}

// runToken prints a bearer token signed with the configured secret.
func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("propsyncd token", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("PROPSYNC_CONFIG"), "config file path")
	subject := fs.String("sub", "", "token subject (device or user id)")
	collection := fs.String("collection", remote.DefaultCollection, "collection the token may access, or *")
	scopes := fs.String("scopes", "documents:read,documents:write", "comma-separated scopes")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	jwtSecret := fs.String("jwt-secret", "", "HS256 secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return errors.New("--sub is required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	overrideString(&cfg.Server.JWTSecret, *jwtSecret)
	secret := cfg.Server.JWTSecret
	if secret == "" {
		secret = "dev-secret"
	}
	var scopeList []string
	for _, scope := range strings.Split(*scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopeList = append(scopeList, scope)
		}
	}
	token, err := httpapi.SignToken(secret, strings.TrimSpace(*subject), *collection, scopeList, time.Now().Add(*ttl))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func overrideString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}
