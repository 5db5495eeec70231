// Package app is the main orchestrator that ties all meterdeck components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/meterdeck/meterdeck/api"
	"github.com/meterdeck/meterdeck/auth"
	"github.com/meterdeck/meterdeck/billing"
	"github.com/meterdeck/meterdeck/config"
	"github.com/meterdeck/meterdeck/store"
)

// App is the main meterdeck process.
type App struct {
	cfg          *config.Config
	db           store.Store
	sessions     store.SessionStore
	authProvider auth.Provider
	billing      *billing.Service
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new app from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	sessions, err := store.NewSessionStore(context.Background(), cfg.Session, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init session store: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, cfg.Session, db, sessions, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates the initial admin for the builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	billingSvc := billing.NewService(db, sessions, logger)
	apiSrv := api.NewServer(db, sessions, authProvider, loginProvider, billingSvc, cfg, logger)

	a := &App{
		cfg:          cfg,
		db:           db,
		sessions:     sessions,
		authProvider: authProvider,
		billing:      billingSvc,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	// Startup validation warnings.
	if authProvider.Name() == "builtin" && cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
		logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}
	if !cfg.Session.CookieSecure && cfg.Server.TLSCert != "" {
		logger.Warn("TLS is configured but session.cookie_secure is false")
	}
	if cfg.Server.UIStaticDir != "" {
		if _, err := os.Stat(cfg.Server.UIStaticDir); os.IsNotExist(err) {
			logger.Warn("UI static directory does not exist", "path", cfg.Server.UIStaticDir)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Rate limiter cleanup.
	a.api.StartBackgroundTasks(ctx)

	// Expired-session and retention purgers.
	go a.runSessionPurger(ctx)
	go a.runRetentionPurger(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("meterdeck listening", "addr", a.cfg.Server.Addr)
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

		a.close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		a.close()
		return err
	}
}

func (a *App) close() {
	a.logger.Info("closing stores")
	// The session store may be the DB itself; close it first and only close
	// the DB separately when they differ.
	if ss, ok := a.sessions.(store.Store); !ok || ss != a.db {
		_ = a.sessions.Close()
	}
	_ = a.db.Close()
}

// runSessionPurger periodically deletes expired session rows.
func (a *App) runSessionPurger(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.sessions.DeleteExpiredSessions(ctx, time.Now()); err != nil {
				a.logger.Warn("session purge failed", "error", err)
			} else if n > 0 {
				a.logger.Info("purged expired sessions", "count", n)
			}
		}
	}
}

// runRetentionPurger enforces usage and audit retention windows.
func (a *App) runRetentionPurger(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			usageCutoff := time.Now().Add(-a.cfg.Storage.UsageRetention.Duration)
			if n, err := a.db.PurgeOldUsage(ctx, usageCutoff); err != nil {
				a.logger.Warn("retention purge: usage failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention purge: deleted old usage rows", "count", n)
			}
			auditCutoff := time.Now().Add(-a.cfg.Storage.AuditRetention.Duration)
			if n, err := a.db.PurgeOldAuditEvents(ctx, auditCutoff); err != nil {
				a.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
