package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/tfunke/schulsync/internal/auth"
	"github.com/tfunke/schulsync/internal/config"
	"github.com/tfunke/schulsync/internal/history"
	"github.com/tfunke/schulsync/internal/keycloak"
	"github.com/tfunke/schulsync/internal/logging"
	"github.com/tfunke/schulsync/internal/provision"
	"github.com/tfunke/schulsync/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"oidc_realm", cfg.OIDC.Realm,
		"db_max_conns", cfg.Database.MaxConns,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	// History store owns the batch/outcome tables
	hist := history.New(pool)
	if err := hist.EnsureSchema(ctx); err != nil {
		slog.Error("failed to prepare history schema", "error", err)
		os.Exit(1)
	}

	// One session per process; the browser UI drives its lifecycle
	endpoints := auth.Endpoints{BaseURL: cfg.OIDC.BaseURL, Realm: cfg.OIDC.Realm}
	httpClient := &http.Client{Timeout: cfg.Directory.Timeout}
	session := auth.NewSession(auth.SessionConfig{
		Endpoints:   endpoints,
		ClientID:    cfg.OIDC.ClientID,
		RedirectURI: cfg.OIDC.RedirectURI,
	}, auth.NewMemoryStore(), httpClient, slog.Default())

	// Admin API client rides on the session's tokens
	adminClient := keycloak.New(endpoints, session, slog.Default())
	directory := &provision.KeycloakDirectory{Client: adminClient}

	server := web.NewServer(cfg, session, directory, hist, slog.Default())

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
