// Package store defines the persistence interfaces for meterdeck and provides
// SQLite, PostgreSQL, and Redis-backed implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultOrgID is the single-tenant organization seeded by the migrations.
// Bootstrap, login auditing, and the migrations must all agree on this ID;
// rows filed under any other org are invisible to the admin audit listing.
const DefaultOrgID = "org_default"

// Store is the relational persistence interface: organizations, users,
// audit events, and usage counters.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, orgID, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	ListUsers(ctx context.Context, orgID string) ([]User, error)
	CountUsers(ctx context.Context, orgID string) (int, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error)

	// Usage counters (one row per org per UTC day)
	IncrementUsage(ctx context.Context, orgID string, day time.Time, requests int64) error
	UsageSince(ctx context.Context, orgID string, since time.Time) (int64, error)

	// Data retention
	PurgeOldUsage(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SessionStore is the narrow collaborator interface consumed by the session
// guard. The SQL stores implement it alongside Store; a Redis implementation
// is available for deployments that want session lookups off the primary DB.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *Session) error
	// GetSessionByTokenHash returns the session for a token hash, or nil when
	// no such session exists. Expired and revoked sessions are returned as-is
	// so the caller can distinguish the failure reason.
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	RevokeSession(ctx context.Context, id string) error
	RevokeUserSessions(ctx context.Context, userID string) (int64, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]Session, error)
	ListActiveSessions(ctx context.Context, orgID string) ([]Session, error)
	CountActiveSessionsByUser(ctx context.Context, userID string) (int, error)
	CountActiveSessionsByOrg(ctx context.Context, orgID string) (int, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Organization represents a tenant organization.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// User represents a console user.
type User struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	ExternalID   string    `json:"external_id,omitempty"` // SSO subject or empty
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Session is a server-side session record. The cookie carries the opaque
// token; only its SHA-256 hash is persisted. Username and Role are
// denormalized so validation needs no second lookup.
type Session struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Role      string     `json:"role"`
	TokenHash string     `json:"-"`
	IP        string     `json:"ip,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the session is neither revoked nor expired at t.
func (s *Session) Active(t time.Time) bool {
	return s.RevokedAt == nil && t.Before(s.ExpiresAt)
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
