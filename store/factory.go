package store

import (
	"context"
	"fmt"

	"github.com/meterdeck/meterdeck/config"
)

// New creates a Store based on the configured storage driver.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

// NewSessionStore returns the session store for the configured backend.
// With the "db" backend sessions live in the relational store; "redis"
// moves session reads off the primary database.
func NewSessionStore(ctx context.Context, cfg config.SessionConfig, db Store) (SessionStore, error) {
	switch cfg.Store {
	case "redis":
		return NewRedisSessionStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "db", "":
		ss, ok := db.(SessionStore)
		if !ok {
			return nil, fmt.Errorf("storage driver does not support sessions")
		}
		return ss, nil
	default:
		return nil, fmt.Errorf("unsupported session store: %q", cfg.Store)
	}
}
