package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/mcp-oauth-tenant"
	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/providers/intuit"
	"github.com/giantswarm/mcp-oauth-tenant/security"
)

const (
	metricsPath     = "/metrics"
	shutdownTimeout = 15 * time.Second
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the OAuth proxy HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(envFile)
			if err != nil {
				return err
			}
			if err := cfg.requireCredentials(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, newLogger(cfg))
		},
	}
}

func runServe(ctx context.Context, cfg appConfig, logger *slog.Logger) error {
	inst, err := instrumentation.New(cfg.Instrumentation)
	if err != nil {
		return fmt.Errorf("init instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := openStore(cfg.StorageURL, cfg.KeyPrefix, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	key, derived, err := security.ResolveKey(cfg.EncryptionKey, cfg.ClientSecret)
	if err != nil {
		return fmt.Errorf("resolve encryption key: %w", err)
	}
	if derived {
		logger.Warn("STORAGE_ENCRYPTION_KEY not set, deriving the storage key from the client secret; rotating the secret makes stored refresh tokens unreadable")
	}

	provider, err := intuit.NewProvider(&intuit.Config{
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		RedirectURL:     cfg.BaseURL + oauth.CallbackPath,
		Scopes:          cfg.scopes(),
		ValidateTimeout: cfg.ValidateTimeout,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	server, err := oauth.NewServer(provider, store, oauth.Config{
		Issuer: cfg.BaseURL,
		Tenant: oauth.TenantConfig{
			TenantParam:          cfg.TenantParam,
			CorrelationTTL:       cfg.CorrelationTTL,
			RequiredScopes:       cfg.scopes(),
			FailClosedOnTimeout:  !cfg.FailOpenOnTimeout,
			SingleTenantFallback: cfg.SingleTenantFallback,
		},
		Flow: oauth.FlowConfig{
			CodeTTL:     cfg.CodeTTL,
			RequirePKCE: cfg.RequirePKCE,
		},
		RateLimit: oauth.RateLimitConfig{
			Rate:              cfg.RateLimit,
			Burst:             cfg.Burst,
			TrustProxy:        cfg.TrustProxy,
			TrustedProxyCount: cfg.TrustedProxyCount,
		},
		Security: oauth.SecurityConfig{
			EncryptionKey:      key,
			EnableAuditLogging: cfg.AuditLogging,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	server.SetInstrumentation(inst)
	defer func() { _ = server.Shutdown(context.Background()) }()

	mux := http.NewServeMux()
	oauth.NewHandler(server, logger).RegisterRoutes(mux)
	if h := inst.MetricsHandler(); h != nil {
		mux.Handle(metricsPath, h)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.Addr, "base_url", cfg.BaseURL, "callback", cfg.BaseURL+oauth.CallbackPath)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
