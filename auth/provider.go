// Package auth provides session-based authentication for meterdeck.
package auth

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrSessionLimit       = errors.New("active session limit reached")
)

// FailureReason classifies why session resolution failed.
type FailureReason string

const (
	// ReasonNoToken means the request carried no session token at all.
	ReasonNoToken FailureReason = "no_token"
	// ReasonExpired means the token referenced a session past its expiry.
	ReasonExpired FailureReason = "expired"
	// ReasonInvalid means the token is unknown or the session was revoked.
	ReasonInvalid FailureReason = "invalid"
	// ReasonStoreUnavailable means the session store could not be reached.
	// This must never be collapsed into a plain "not authenticated": it
	// signals an outage, not a missing login.
	ReasonStoreUnavailable FailureReason = "store_unavailable"
)

// AuthError is the failure signal produced by session resolution. Callers
// branch on Reason; all reasons except ReasonStoreUnavailable resolve to a
// login redirect.
type AuthError struct {
	Reason FailureReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + string(e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// failure builds an AuthError with an optional cause.
func failure(reason FailureReason, err error) *AuthError {
	return &AuthError{Reason: reason, Err: err}
}

// Principal is the authenticated identity resolved from a valid session.
// It is request-scoped; the guard attaches it to the request context and
// nothing retains it beyond the request.
type Principal struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Role      string `json:"role"` // "admin" or "user"
	OrgID     string `json:"org_id"`
	SessionID string `json:"session_id,omitempty"`
}

// IsAdmin reports whether the principal has the admin role.
func (p *Principal) IsAdmin() bool { return p.Role == "admin" }

// Provider resolves session tokens to principals.
type Provider interface {
	// ValidateSession returns the Principal for a session token, or an
	// *AuthError describing why resolution failed. The lookup is read-only:
	// it never mutates session state.
	ValidateSession(ctx context.Context, token string) (*Principal, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password
// login and server-side session issuance.
type LoginProvider interface {
	Login(ctx context.Context, username, password string, meta SessionMeta) (string, *Principal, error)
	Logout(ctx context.Context, token string) error
	Register(ctx context.Context, username, password, role string) (*Principal, error)
}

// SessionMeta carries request metadata recorded on the session at login.
type SessionMeta struct {
	IP        string
	UserAgent string
}
