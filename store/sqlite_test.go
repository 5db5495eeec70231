package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser is a helper that inserts a user and returns it.
func createTestUser(t *testing.T, s *SQLiteStore, username, role string) *User {
	t.Helper()
	u := &User{
		ID:           uuid.New().String(),
		OrgID:        DefaultOrgID,
		Username:     username,
		PasswordHash: "hash-" + username,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("createTestUser(%s): %v", username, err)
	}
	return u
}

// createTestSession is a helper that inserts a session and returns it.
func createTestSession(t *testing.T, s *SQLiteStore, user *User, tokenHash string, expiresAt time.Time) *Session {
	t.Helper()
	sess := &Session{
		ID:        uuid.New().String(),
		OrgID:     user.OrgID,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		TokenHash: tokenHash,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("createTestSession: %v", err)
	}
	return sess
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, s, "alice", "admin")

	got, err := s.GetUser(ctx, DefaultOrgID, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got == nil {
		t.Fatal("GetUser returned nil")
	}
	if got.ID != user.ID {
		t.Errorf("ID: got %q, want %q", got.ID, user.ID)
	}
	if got.Role != "admin" {
		t.Errorf("Role: got %q, want admin", got.Role)
	}

	byID, err := s.GetUserByID(ctx, user.ID)
	if err != nil || byID == nil || byID.Username != "alice" {
		t.Errorf("GetUserByID: got %+v, err %v", byID, err)
	}

	// Unknown user resolves to nil, nil.
	missing, err := s.GetUser(ctx, DefaultOrgID, "nobody")
	if err != nil {
		t.Fatalf("GetUser(nobody): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown user, got %+v", missing)
	}

	n, err := s.CountUsers(ctx, DefaultOrgID)
	if err != nil || n != 1 {
		t.Errorf("CountUsers: got %d, err %v", n, err)
	}
}

func TestGetUserByExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{
		ID:         uuid.New().String(),
		OrgID:      DefaultOrgID,
		ExternalID: "idp|12345",
		Username:   "sso-user",
		Role:       "user",
		CreatedAt:  time.Now(),
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUserByExternalID(ctx, "idp|12345")
	if err != nil || got == nil || got.ID != u.ID {
		t.Errorf("GetUserByExternalID: got %+v, err %v", got, err)
	}
	missing, err := s.GetUserByExternalID(ctx, "idp|unknown")
	if err != nil || missing != nil {
		t.Errorf("unknown external ID: got %+v, err %v", missing, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice", "user")

	sess := createTestSession(t, s, user, "hash-1", time.Now().Add(time.Hour))

	got, err := s.GetSessionByTokenHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetSessionByTokenHash: %v", err)
	}
	if got == nil || got.ID != sess.ID {
		t.Fatalf("got %+v, want session %s", got, sess.ID)
	}
	if got.Username != "alice" || got.Role != "user" {
		t.Errorf("denormalized fields: got %q/%q", got.Username, got.Role)
	}
	if !got.Active(time.Now()) {
		t.Error("fresh session should be active")
	}

	// Unknown hash resolves to nil, nil.
	missing, err := s.GetSessionByTokenHash(ctx, "no-such-hash")
	if err != nil || missing != nil {
		t.Errorf("unknown hash: got %+v, err %v", missing, err)
	}

	if err := s.RevokeSession(ctx, sess.ID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}

	// Revoked sessions are still returned so callers can tell why
	// validation failed.
	got, err = s.GetSessionByTokenHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetSessionByTokenHash after revoke: %v", err)
	}
	if got == nil || got.RevokedAt == nil {
		t.Fatalf("expected revoked session, got %+v", got)
	}
	if got.Active(time.Now()) {
		t.Error("revoked session reported active")
	}
}

func TestExpiredSessionReturnedAsIs(t *testing.T) {
	s := newTestStore(t)
	user := createTestUser(t, s, "alice", "user")

	createTestSession(t, s, user, "hash-exp", time.Now().Add(-time.Minute))

	got, err := s.GetSessionByTokenHash(context.Background(), "hash-exp")
	if err != nil {
		t.Fatalf("GetSessionByTokenHash: %v", err)
	}
	if got == nil {
		t.Fatal("expired session must be returned, not hidden")
	}
	if got.Active(time.Now()) {
		t.Error("expired session reported active")
	}
}

func TestRevokeUserSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := createTestUser(t, s, "alice", "user")
	bob := createTestUser(t, s, "bob", "user")

	createTestSession(t, s, alice, "a1", time.Now().Add(time.Hour))
	createTestSession(t, s, alice, "a2", time.Now().Add(time.Hour))
	createTestSession(t, s, bob, "b1", time.Now().Add(time.Hour))

	n, err := s.RevokeUserSessions(ctx, alice.ID)
	if err != nil {
		t.Fatalf("RevokeUserSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked %d sessions, want 2", n)
	}

	if cnt, _ := s.CountActiveSessionsByUser(ctx, alice.ID); cnt != 0 {
		t.Errorf("alice active sessions = %d, want 0", cnt)
	}
	if cnt, _ := s.CountActiveSessionsByUser(ctx, bob.ID); cnt != 1 {
		t.Errorf("bob active sessions = %d, want 1", cnt)
	}
}

func TestListAndCountSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice", "user")

	createTestSession(t, s, user, "h1", time.Now().Add(time.Hour))
	createTestSession(t, s, user, "h2", time.Now().Add(-time.Hour)) // expired

	byUser, err := s.ListSessionsByUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListSessionsByUser: %v", err)
	}
	if len(byUser) != 2 {
		t.Errorf("ListSessionsByUser: got %d, want 2 (expired included)", len(byUser))
	}

	active, err := s.ListActiveSessions(ctx, DefaultOrgID)
	if err != nil {
		t.Fatalf("ListActiveSessions: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("ListActiveSessions: got %d, want 1", len(active))
	}

	if n, _ := s.CountActiveSessionsByOrg(ctx, DefaultOrgID); n != 1 {
		t.Errorf("CountActiveSessionsByOrg: got %d, want 1", n)
	}
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice", "user")

	createTestSession(t, s, user, "live", time.Now().Add(time.Hour))
	createTestSession(t, s, user, "dead", time.Now().Add(-time.Hour))

	n, err := s.DeleteExpiredSessions(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpiredSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if got, _ := s.GetSessionByTokenHash(ctx, "dead"); got != nil {
		t.Error("expired session still present after purge")
	}
	if got, _ := s.GetSessionByTokenHash(ctx, "live"); got == nil {
		t.Error("live session was purged")
	}
}

func TestUsageCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 10, 15, 0, 0, 0, time.UTC)
	if err := s.IncrementUsage(ctx, DefaultOrgID, day, 10); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	// Same day accumulates into one row.
	if err := s.IncrementUsage(ctx, DefaultOrgID, day.Add(2*time.Hour), 5); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if err := s.IncrementUsage(ctx, DefaultOrgID, day.AddDate(0, 0, -40), 100); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	total, err := s.UsageSince(ctx, DefaultOrgID, since)
	if err != nil {
		t.Fatalf("UsageSince: %v", err)
	}
	if total != 15 {
		t.Errorf("UsageSince: got %d, want 15", total)
	}

	n, err := s.PurgeOldUsage(ctx, since)
	if err != nil {
		t.Fatalf("PurgeOldUsage: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.LogAuditEvent(ctx, &AuditEvent{
			ID:        uuid.New().String(),
			OrgID:     DefaultOrgID,
			Action:    "login.success",
			Detail:    json.RawMessage(`{"n":1}`),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	events, err := s.ListAuditEvents(ctx, DefaultOrgID, 2, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}

	n, err := s.PurgeOldAuditEvents(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeOldAuditEvents: %v", err)
	}
	if n != 3 {
		t.Errorf("purged %d, want 3", n)
	}
}
