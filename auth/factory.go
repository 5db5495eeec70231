package auth

import (
	"fmt"
	"log/slog"

	"github.com/meterdeck/meterdeck/config"
	"github.com/meterdeck/meterdeck/store"
)

// NewProvider creates the auth provider named in the config.
func NewProvider(cfg config.AuthConfig, scfg config.SessionConfig, db store.Store, sessions store.SessionStore, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(db, sessions, cfg, scfg, logger), nil
	case "sso":
		return NewSSOProvider(cfg.SSOIssuer, db)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
