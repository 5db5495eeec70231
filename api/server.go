// Package api provides the HTTP API and middleware for the meterdeck console.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/meterdeck/meterdeck/auth"
	"github.com/meterdeck/meterdeck/billing"
	"github.com/meterdeck/meterdeck/config"
	"github.com/meterdeck/meterdeck/store"
)

// Server is the HTTP server for the console UI and API.
type Server struct {
	db            store.Store
	sessions      store.SessionStore
	authProvider  auth.Provider
	loginProvider auth.LoginProvider // nil when auth is external (sso)
	billing       *billing.Service
	logger        *slog.Logger
	mux           *chi.Mux

	startTime          time.Time
	maxBodyBytes       int64
	cookieName         string
	cookieSecure       bool
	sessionTTL         time.Duration
	loginPath          string
	defaultDestination string
	uiStaticDir        string
	ssoIssuer          string

	loginRL *limiter
	rl      *limiter
}

// NewServer creates the API server and registers all routes.
func NewServer(db store.Store, sessions store.SessionStore, ap auth.Provider, lp auth.LoginProvider, bs *billing.Service, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		db:                 db,
		sessions:           sessions,
		authProvider:       ap,
		loginProvider:      lp,
		billing:            bs,
		logger:             logger.With("component", "api"),
		startTime:          time.Now(),
		maxBodyBytes:       cfg.Server.MaxBodyBytes,
		cookieName:         cfg.Session.CookieName,
		cookieSecure:       cfg.Session.CookieSecure,
		sessionTTL:         cfg.Session.TTL.Duration,
		loginPath:          cfg.Session.LoginPath,
		defaultDestination: cfg.Session.DefaultDestination,
		uiStaticDir:        cfg.Server.UIStaticDir,
		ssoIssuer:          cfg.Auth.SSOIssuer,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login page and endpoint. POST only exists for builtin auth; with sso
	// the page hands off to the identity provider.
	mux.Get(srv.loginPath, srv.handleLoginPage)
	if lp != nil {
		srv.loginRL = newLimiter(5, 10)
		mux.With(rateLimitMiddleware(srv.loginRL, remoteIP, "too many login attempts")).
			Post(srv.loginPath, srv.handleLogin)
	}

	// Protected routes: cookie fast filter, then the authoritative session
	// guard. Nothing below this group runs without a valid principal.
	srv.rl = newLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.fastFilterMiddleware)
		r.Use(srv.sessionGuardMiddleware)
		r.Use(rateLimitMiddleware(srv.rl, principalID, "rate limit exceeded"))
		r.Use(srv.usageRecorderMiddleware)

		r.Get("/dashboard", srv.handlePage)
		r.Get("/reports", srv.handlePage)
		r.Get("/settings", srv.handlePage)
		r.Get("/settings/*", srv.handlePage)

		r.Post("/logout", srv.handleLogout)
		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/billing/usage", srv.handleBillingUsage)
		r.Get("/api/billing/plans", srv.handleBillingPlans)
		r.Get("/api/sessions", srv.handleListMySessions)
		r.Post("/api/sessions/{sessionID}/revoke", srv.handleRevokeSession)

		r.Group(func(ar chi.Router) {
			ar.Use(srv.requireAdminMiddleware)
			ar.Get("/api/admin/sessions", srv.handleAdminListSessions)
			ar.Get("/api/admin/users", srv.handleAdminListUsers)
			ar.Post("/api/admin/users/{userID}/revoke", srv.handleAdminRevokeUserSessions)
			ar.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
			ar.Get("/ws/usage", srv.handleUsageWS)
		})
	})

	// Serve UI static files if configured.
	if srv.uiStaticDir != "" {
		fileServer := http.FileServer(http.Dir(srv.uiStaticDir))
		mux.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Try serving the file, fall back to index.html for SPA routing.
			path := r.URL.Path
			if path != "/" && !strings.Contains(path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		}))
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"provider":   s.authProvider.Name(),
		"login_path": s.loginPath,
	})
}

// handleLoginPage renders a minimal login form. Deployments shipping the
// full UI serve their own page from the static dir; this one keeps a bare
// server usable. With an external identity provider there is no password
// form to render, so the page hands off to the provider instead.
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if s.loginProvider == nil {
		fmt.Fprintf(w, ssoLoginPageHTML, s.ssoIssuer)
		return
	}
	// The form action must carry the destination percent-encoded, or a
	// destination with its own query parameters gets truncated at the first
	// ampersand on the POST hop.
	fmt.Fprintf(w, loginPageHTML, s.buildLoginRedirect(r.URL.Query().Get(callbackParam)))
}

const loginPageHTML = `<!DOCTYPE html>
<html><head><title>meterdeck — sign in</title></head>
<body>
<h1>Sign in</h1>
<form method="post" action=%q>
<label>Username <input name="username" autocomplete="username"></label>
<label>Password <input name="password" type="password" autocomplete="current-password"></label>
<button type="submit">Sign in</button>
</form>
</body></html>
`

const ssoLoginPageHTML = `<!DOCTYPE html>
<html><head><title>meterdeck — sign in</title></head>
<body>
<h1>Sign in</h1>
<p>This deployment uses single sign-on.</p>
<a href=%q>Continue with your identity provider</a>
</body></html>
`

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	username, password, isForm, err := readCredentials(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(username) < 3 || len(username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	meta := auth.SessionMeta{IP: remoteIP(r), UserAgent: r.UserAgent()}
	token, principal, err := s.loginProvider.Login(r.Context(), username, password, meta)
	if err != nil {
		s.audit(r.Context(), store.DefaultOrgID, "login.failed", "", "",
			json.RawMessage(fmt.Sprintf(`{"username":%q}`, username)))
		if errors.Is(err, auth.ErrSessionLimit) {
			writeError(w, http.StatusTooManyRequests, "active session limit reached")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.audit(r.Context(), principal.OrgID, "login.success", principal.UserID, principal.SessionID, nil)
	s.setSessionCookie(w, token)

	// Send the user back where they were headed before login.
	dest := sanitizeDestination(r.URL.Query().Get(callbackParam), s.defaultDestination)
	if isForm {
		http.Redirect(w, r, dest, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect": dest})
}

// readCredentials accepts both JSON bodies and classic form posts.
func readCredentials(r *http.Request) (username, password string, isForm bool, err error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseForm(); err != nil {
			return "", "", true, err
		}
		return r.PostFormValue("username"), r.PostFormValue("password"), true, nil
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", "", false, err
	}
	return req.Username, req.Password, false, nil
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal := getPrincipalFromContext(r.Context())

	if s.loginProvider != nil {
		if cookie, err := r.Cookie(s.cookieName); err == nil {
			if err := s.loginProvider.Logout(r.Context(), cookie.Value); err != nil {
				s.logger.Warn("logout failed", "error", err)
			}
		}
	}
	s.clearSessionCookie(w)
	s.audit(r.Context(), principal.OrgID, "logout", principal.UserID, principal.SessionID, nil)

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out", "redirect": s.loginPath})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	principal := getPrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, principal)
}

// --- Page handlers ---

// handlePage serves the console shell for protected pages. With a static UI
// dir configured it serves the SPA entrypoint; otherwise a small JSON body
// identifies the page, which is what the tests and API clients see.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if s.uiStaticDir != "" {
		http.ServeFile(w, r, s.uiStaticDir+"/index.html")
		return
	}
	principal := getPrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"page":     r.URL.Path,
		"username": principal.Username,
	})
}

// --- Billing handlers ---

func (s *Server) handleBillingUsage(w http.ResponseWriter, r *http.Request) {
	principal := getPrincipalFromContext(r.Context())

	summary, err := s.billing.Summary(r.Context(), principal.OrgID)
	if err != nil {
		s.logger.Error("billing summary failed", "org_id", principal.OrgID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute usage")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleBillingPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": billing.Plans()})
}

// --- Session handlers ---

func (s *Server) handleListMySessions(w http.ResponseWriter, r *http.Request) {
	principal := getPrincipalFromContext(r.Context())

	sessions, err := s.sessions.ListSessionsByUser(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	principal := getPrincipalFromContext(r.Context())

	// Users may revoke only their own sessions; admins may revoke any in
	// their org.
	owned, err := s.sessions.ListSessionsByUser(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up session")
		return
	}
	isOwn := false
	for _, sess := range owned {
		if sess.ID == sessionID {
			isOwn = true
			break
		}
	}
	if !isOwn && !principal.IsAdmin() {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}

	if err := s.sessions.RevokeSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke session")
		return
	}
	s.audit(r.Context(), principal.OrgID, "session.revoked", principal.UserID, sessionID, nil)

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- Admin handlers ---

func (s *Server) handleAdminListSessions(w http.ResponseWriter, r *http.Request) {
	principal := getPrincipalFromContext(r.Context())

	sessions, err := s.sessions.ListActiveSessions(r.Context(), principal.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	principal := getPrincipalFromContext(r.Context())

	users, err := s.db.ListUsers(r.Context(), principal.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleAdminRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	principal := getPrincipalFromContext(r.Context())

	user, err := s.db.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if user == nil || user.OrgID != principal.OrgID {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	n, err := s.sessions.RevokeUserSessions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}
	s.audit(r.Context(), principal.OrgID, "sessions.admin_revoked", principal.UserID, "",
		json.RawMessage(fmt.Sprintf(`{"target_user_id":%q,"revoked":%d}`, userID, n)))

	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "count": n})
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	principal := getPrincipalFromContext(r.Context())
	events, err := s.db.ListAuditEvents(r.Context(), principal.OrgID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	if err := s.sessions.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) audit(ctx context.Context, orgID, action, userID, sessionID string, detail json.RawMessage) {
	if err := s.db.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Action:    action,
		UserID:    userID,
		SessionID: sessionID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
