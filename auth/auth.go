package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/meterdeck/meterdeck/config"
	"github.com/meterdeck/meterdeck/store"
)

// Service is the builtin auth provider: username/password login backed by
// bcrypt hashes in the relational store, with opaque server-side session
// tokens. Only the SHA-256 hash of a token is ever persisted.
type Service struct {
	db       store.Store
	sessions store.SessionStore
	cfg      config.AuthConfig
	ttl      time.Duration
	maxPer   int
	logger   *slog.Logger
}

// NewService creates the builtin auth service.
func NewService(db store.Store, sessions store.SessionStore, cfg config.AuthConfig, scfg config.SessionConfig, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		sessions: sessions,
		cfg:      cfg,
		ttl:      scfg.TTL.Duration,
		maxPer:   scfg.MaxPerUser,
		logger:   logger,
	}
}

func (s *Service) Name() string { return "builtin" }

// Bootstrap creates the default organization and initial admin on an empty
// database. It is a no-op when any user already exists.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.InitialAdmin == nil {
		return nil
	}

	org, err := s.db.GetOrganization(ctx, store.DefaultOrgID)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if org == nil {
		org = &store.Organization{
			ID:        store.DefaultOrgID,
			Name:      "Default",
			Plan:      "free",
			CreatedAt: time.Now().UTC(),
		}
		if err := s.db.CreateOrganization(ctx, org); err != nil {
			return fmt.Errorf("bootstrap: create org: %w", err)
		}
	}

	n, err := s.db.CountUsers(ctx, org.ID)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := s.register(ctx, org.ID, s.cfg.InitialAdmin.Username, s.cfg.InitialAdmin.Password, "admin"); err != nil {
		return fmt.Errorf("bootstrap: create admin: %w", err)
	}
	s.logger.Info("created initial admin user", "username", s.cfg.InitialAdmin.Username)
	return nil
}

// Login verifies credentials and issues a new session. It returns the opaque
// session token for the cookie and the resolved principal.
func (s *Service) Login(ctx context.Context, username, password string, meta SessionMeta) (string, *Principal, error) {
	user, err := s.db.GetUser(ctx, store.DefaultOrgID, username)
	if err != nil {
		return "", nil, fmt.Errorf("login: %w", err)
	}
	if user == nil {
		// Equalize timing between unknown user and bad password.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	if s.maxPer > 0 {
		n, err := s.sessions.CountActiveSessionsByUser(ctx, user.ID)
		if err != nil {
			return "", nil, fmt.Errorf("login: count sessions: %w", err)
		}
		if n >= s.maxPer {
			return "", nil, ErrSessionLimit
		}
	}

	token, err := generateToken()
	if err != nil {
		return "", nil, fmt.Errorf("login: %w", err)
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:        uuid.NewString(),
		OrgID:     user.OrgID,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		TokenHash: hashToken(token),
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("login: create session: %w", err)
	}

	s.logger.Info("user logged in", "username", user.Username, "session_id", sess.ID)
	return token, principalFromSession(sess), nil
}

// Logout revokes the session identified by the token. Unknown tokens are a
// no-op: logout must succeed even when the session already vanished.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	sess, err := s.sessions.GetSessionByTokenHash(ctx, hashToken(token))
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if sess == nil {
		return nil
	}
	if err := s.sessions.RevokeSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	s.logger.Info("user logged out", "username", sess.Username, "session_id", sess.ID)
	return nil
}

// Register creates a new user in the default organization.
func (s *Service) Register(ctx context.Context, username, password, role string) (*Principal, error) {
	return s.register(ctx, store.DefaultOrgID, username, password, role)
}

func (s *Service) register(ctx context.Context, orgID, username, password, role string) (*Principal, error) {
	existing, err := s.db.GetUser(ctx, orgID, username)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("register: hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.NewString(),
		OrgID:        orgID,
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &Principal{UserID: user.ID, Username: user.Username, Role: user.Role, OrgID: user.OrgID}, nil
}

// ValidateSession resolves a session token to a principal. The lookup is
// strictly read-only; expired and revoked sessions are left in place for the
// cleanup loop. A store error maps to ReasonStoreUnavailable so callers can
// surface the outage instead of bouncing the user to login.
func (s *Service) ValidateSession(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, failure(ReasonNoToken, nil)
	}

	sess, err := s.sessions.GetSessionByTokenHash(ctx, hashToken(token))
	if err != nil {
		return nil, failure(ReasonStoreUnavailable, err)
	}
	if sess == nil {
		return nil, failure(ReasonInvalid, errors.New("unknown session token"))
	}
	if sess.RevokedAt != nil {
		return nil, failure(ReasonInvalid, errors.New("session revoked"))
	}
	if !time.Now().Before(sess.ExpiresAt) {
		return nil, failure(ReasonExpired, nil)
	}

	return principalFromSession(sess), nil
}

func principalFromSession(sess *store.Session) *Principal {
	return &Principal{
		UserID:    sess.UserID,
		Username:  sess.Username,
		Role:      sess.Role,
		OrgID:     sess.OrgID,
		SessionID: sess.ID,
	}
}

// generateToken returns a 64-character hex token from 32 random bytes.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashToken returns the hex SHA-256 digest stored in place of the token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// dummyHash is a valid bcrypt hash compared against when the user is unknown.
var dummyHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("meterdeck-timing-pad"), bcrypt.DefaultCost)
	return h
}()
