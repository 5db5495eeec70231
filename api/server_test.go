package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/meterdeck/meterdeck/auth"
	"github.com/meterdeck/meterdeck/billing"
	"github.com/meterdeck/meterdeck/config"
	"github.com/meterdeck/meterdeck/store"
)

const (
	testAdminUser = "admin"
	testAdminPass = "correct-horse-battery"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			InitialAdmin: &config.InitialAdmin{Username: testAdminUser, Password: testAdminPass},
		},
		Session: config.SessionConfig{
			CookieName:         "md_session",
			TTL:                config.Duration{Duration: time.Hour},
			MaxPerUser:         10,
			LoginPath:          "/login",
			DefaultDestination: "/dashboard",
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}
}

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore) {
	t.Helper()

	db, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authSvc := auth.NewService(db, db, cfg.Auth, cfg.Session, logger)
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	bs := billing.NewService(db, db, logger)
	return NewServer(db, db, authSvc, authSvc, bs, cfg, logger), db
}

// loginCookie logs in over the API and returns the session cookie.
func loginCookie(t *testing.T, srv *Server) *http.Cookie {
	t.Helper()

	body := strings.NewReader(`{"username":"` + testAdminUser + `","password":"` + testAdminPass + `"}`)
	req := httptest.NewRequest("POST", "/login", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d, body %s", w.Code, w.Body.String())
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == "md_session" {
			return c
		}
	}
	t.Fatal("login response has no session cookie")
	return nil
}

func TestGuardRedirectsWithoutCookie(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/settings/profile", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if got := w.Header().Get("Location"); got != "/login?callbackUrl=%2Fsettings%2Fprofile" {
		t.Errorf("Location = %q, want /login?callbackUrl=%%2Fsettings%%2Fprofile", got)
	}
}

func TestGuardRedirectPreservesQuery(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/reports?range=7d", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if got := w.Header().Get("Location"); got != "/login?callbackUrl=%2Freports%3Frange%3D7d" {
		t.Errorf("Location = %q", got)
	}
}

func TestGuardRedirectsInvalidSession(t *testing.T) {
	srv, _ := newTestServer(t)

	// Cookie present but the token matches no session: the fast filter
	// forwards the destination and the guard redirects with it.
	req := httptest.NewRequest("GET", "/reports", nil)
	req.AddCookie(&http.Cookie{Name: "md_session", Value: "not-a-real-token"})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if got := w.Header().Get("Location"); got != "/login?callbackUrl=%2Freports" {
		t.Errorf("Location = %q, want /login?callbackUrl=%%2Freports", got)
	}
}

func TestGuardIgnoresClientCarrierHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	// A client-supplied carrier header must never reach the guard; the
	// destination is always re-derived from the request path.
	req := httptest.NewRequest("GET", "/reports", nil)
	req.AddCookie(&http.Cookie{Name: "md_session", Value: "not-a-real-token"})
	req.Header.Set("x-callback-url", "https://evil.example/phish")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Location"); got != "/login?callbackUrl=%2Freports" {
		t.Errorf("Location = %q, want /login?callbackUrl=%%2Freports", got)
	}
}

func TestGuardDefaultsDestinationWithoutHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	// Exercise the guard alone: cookie present, no forwarded destination.
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("protected handler ran without a valid session")
	})
	handler := srv.sessionGuardMiddleware(next)

	req := httptest.NewRequest("GET", "/reports", nil)
	req.AddCookie(&http.Cookie{Name: "md_session", Value: "not-a-real-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if got := w.Header().Get("Location"); got != "/login?callbackUrl=%2Fdashboard" {
		t.Errorf("Location = %q, want /login?callbackUrl=%%2Fdashboard", got)
	}
}

func TestGuardPassesValidSession(t *testing.T) {
	srv, _ := newTestServer(t)
	cookie := loginCookie(t, srv)

	req := httptest.NewRequest("GET", "/dashboard", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	var page map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page["username"] != testAdminUser {
		t.Errorf("username = %q, want %q", page["username"], testAdminUser)
	}
}

func TestGuardStoreUnavailableReturns503(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.authProvider = unavailableProvider{}

	req := httptest.NewRequest("GET", "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "md_session", Value: "anything"})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "" {
		t.Errorf("outage must not redirect, got Location %q", loc)
	}
	if ra := w.Header().Get("Retry-After"); ra == "" {
		t.Error("expected a Retry-After header")
	}
}

func TestLoginFormRedirectsToCallback(t *testing.T) {
	srv, _ := newTestServer(t)

	form := strings.NewReader("username=" + testAdminUser + "&password=" + testAdminPass)
	req := httptest.NewRequest("POST", "/login?callbackUrl=%2Freports", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303; body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Location"); got != "/reports" {
		t.Errorf("Location = %q, want /reports", got)
	}
}

func TestLoginRejectsOffsiteCallback(t *testing.T) {
	srv, _ := newTestServer(t)

	form := strings.NewReader("username=" + testAdminUser + "&password=" + testAdminPass)
	req := httptest.NewRequest("POST", "/login?callbackUrl=%2F%2Fevil.example", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Location"); got != "/dashboard" {
		t.Errorf("Location = %q, want /dashboard", got)
	}
}

func TestLoginPagePreservesMultiParamCallback(t *testing.T) {
	srv, _ := newTestServer(t)

	// The form action must percent-encode the destination; a raw "&" would
	// split the destination's own query parameters off the callbackUrl.
	dest := "/reports?range=7d&tz=utc"
	encoded := url.QueryEscape(dest)

	req := httptest.NewRequest("GET", "/login?callbackUrl="+encoded, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("login page: status %d", w.Code)
	}
	action := "/login?callbackUrl=" + encoded
	if !strings.Contains(w.Body.String(), `action="`+action+`"`) {
		t.Fatalf("form action does not carry the encoded destination:\n%s", w.Body.String())
	}

	// Round trip: posting the form to that action lands on the full
	// destination, second query parameter included.
	form := strings.NewReader("username=" + testAdminUser + "&password=" + testAdminPass)
	req = httptest.NewRequest("POST", action, form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303; body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Location"); got != dest {
		t.Errorf("Location = %q, want %q", got, dest)
	}
}

func TestLoginPageHandsOffToSSO(t *testing.T) {
	db, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := testConfig()
	cfg.Auth.Provider = "sso"
	cfg.Auth.SSOIssuer = "https://id.example.com"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(db, db, unavailableProvider{}, nil, billing.NewService(db, db, logger), cfg, logger)

	req := httptest.NewRequest("GET", "/login", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("login page: status %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, cfg.Auth.SSOIssuer) {
		t.Errorf("page does not link the identity provider:\n%s", body)
	}
	if strings.Contains(body, `name="password"`) {
		t.Errorf("sso page must not render a password form:\n%s", body)
	}

	// No POST /login route exists without a login provider.
	req = httptest.NewRequest("POST", "/login", strings.NewReader("username=a&password=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /login in sso mode: status = %d, want 405", w.Code)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.NewReader(`{"username":"admin","password":"wrong"}`)
	req := httptest.NewRequest("POST", "/login", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	srv, _ := newTestServer(t)
	cookie := loginCookie(t, srv)

	req := httptest.NewRequest("POST", "/logout", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("logout: status %d", w.Code)
	}

	// The old cookie no longer grants access.
	req = httptest.NewRequest("GET", "/dashboard", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("after logout: status = %d, want 302", w.Code)
	}
}

func TestBillingUsage(t *testing.T) {
	srv, db := newTestServer(t)
	cookie := loginCookie(t, srv)

	if err := db.IncrementUsage(context.Background(), store.DefaultOrgID, time.Now().UTC(), 41); err != nil {
		t.Fatalf("increment: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/billing/usage", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var summary billing.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 41 seeded plus the usage recorder's count for this request.
	if summary.RequestsThisMonth < 42 {
		t.Errorf("requests = %d, want >= 42", summary.RequestsThisMonth)
	}
	if summary.Plan.Name != "free" {
		t.Errorf("plan = %q, want free", summary.Plan.Name)
	}
}

func TestFailedLoginAuditVisibleToAdmin(t *testing.T) {
	srv, _ := newTestServer(t)
	cookie := loginCookie(t, srv)

	// A failed attempt must land in the same org the admin audit listing
	// queries, or credential-stuffing attempts are invisible.
	body := strings.NewReader(`{"username":"admin","password":"wrong"}`)
	req := httptest.NewRequest("POST", "/login", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("failed login: status %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/admin/audit", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list audit: status %d, body %s", w.Code, w.Body.String())
	}

	var events []store.AuditEvent
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Action == "login.failed" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("login.failed event not visible in the admin org's audit trail: %+v", events)
	}
}

func TestQuotaExceededReturns429(t *testing.T) {
	srv, db := newTestServer(t)
	cookie := loginCookie(t, srv)

	// Exhaust the free plan's monthly request quota.
	if err := db.IncrementUsage(context.Background(), store.DefaultOrgID, time.Now().UTC(), 10_000); err != nil {
		t.Fatalf("increment: %v", err)
	}

	req := httptest.NewRequest("GET", "/dashboard", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429; body %s", w.Code, w.Body.String())
	}
}

func TestSessionRevocation(t *testing.T) {
	srv, _ := newTestServer(t)
	cookie := loginCookie(t, srv)

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list sessions: status %d", w.Code)
	}
	var sessions []store.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}

	req = httptest.NewRequest("POST", "/api/sessions/"+sessions[0].ID+"/revoke", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: status %d, body %s", w.Code, w.Body.String())
	}

	// Revoking the current session locks the cookie out.
	req = httptest.NewRequest("GET", "/dashboard", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("after revoke: status = %d, want 302", w.Code)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	srv, _ := newTestServer(t)
	adminCookie := loginCookie(t, srv)

	// Create a regular user and log in as them.
	if _, err := srv.loginProvider.Register(context.Background(), "bob", "hunter2hunter2", "user"); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := httptest.NewRequest("POST", "/login", strings.NewReader(`{"username":"bob","password":"hunter2hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("user login: status %d", w.Code)
	}
	var userCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "md_session" {
			userCookie = c
		}
	}

	req = httptest.NewRequest("GET", "/api/admin/sessions", nil)
	req.AddCookie(userCookie)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin: status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/admin/sessions", nil)
	req.AddCookie(adminCookie)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("admin: status = %d, want 200", w.Code)
	}
}

func TestAdminListUsers(t *testing.T) {
	srv, _ := newTestServer(t)
	cookie := loginCookie(t, srv)

	if _, err := srv.loginProvider.Register(context.Background(), "bob", "hunter2hunter2", "user"); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/admin/users", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var users []store.User
	if err := json.Unmarshal(w.Body.Bytes(), &users); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("got %d users, want 2", len(users))
	}
}

func TestAdminRevokeUserSessions(t *testing.T) {
	srv, _ := newTestServer(t)
	adminCookie := loginCookie(t, srv)

	bob, err := srv.loginProvider.Register(context.Background(), "bob", "hunter2hunter2", "user")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/admin/users/"+bob.UserID+"/revoke", nil)
	req.AddCookie(adminCookie)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("revoke known user: status = %d, want 200", w.Code)
	}

	// Unknown targets are rejected rather than silently revoking nothing.
	req = httptest.NewRequest("POST", "/api/admin/users/no-such-user/revoke", nil)
	req.AddCookie(adminCookie)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("revoke unknown user: status = %d, want 404", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, w.Code)
		}
	}
}

// unavailableProvider simulates a session store outage.
type unavailableProvider struct{}

func (unavailableProvider) ValidateSession(ctx context.Context, token string) (*auth.Principal, error) {
	return nil, &auth.AuthError{Reason: auth.ReasonStoreUnavailable}
}
func (unavailableProvider) Bootstrap(ctx context.Context) error { return nil }
func (unavailableProvider) Name() string                        { return "unavailable" }
