// Package app is the composition root that ties all tallyd components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tallyhq/tally/internal/api"
	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/billing"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/store"
)

// App is the main tallyd process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	ledger       *ledger.Ledger
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new app from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Signup/login endpoints only exist for the builtin provider.
	var signupProvider auth.SignupProvider
	if sp, ok := authProvider.(auth.SignupProvider); ok {
		signupProvider = sp
	}

	l := ledger.New(db, logger)

	// Billing is optional; without it the webhook and checkout routes are
	// not registered and everyone stays on the free grant.
	var rec *billing.Reconciler
	var co *billing.CheckoutClient
	if cfg.Billing.Enabled {
		rec = billing.NewReconciler(db, l, cfg.Billing, logger)
		co = billing.NewCheckoutClient(cfg.Billing, cfg.Server.AppURL)
	}

	apiSrv := api.NewServer(db, authProvider, signupProvider, l, rec, co, cfg, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		ledger:       l,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	// Startup validation warnings.
	if cfg.Billing.Enabled && cfg.Billing.SecretKey == "" {
		logger.Warn("billing enabled without a provider secret key; checkout will fail")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return a, nil
}

// Run starts the tallyd HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)

	// Start audit retention purger.
	if a.cfg.Storage.AuditRetention.Duration > 0 {
		go a.runRetentionPurger(ctx, a.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("tallyd listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}

func (a *App) runRetentionPurger(ctx context.Context, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-auditRetention)
			if n, err := a.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				a.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
