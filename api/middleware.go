package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/meterdeck/meterdeck/auth"
)

type contextKey string

const principalKey contextKey = "principal"

func getPrincipalFromContext(ctx context.Context) *auth.Principal {
	principal, _ := ctx.Value(principalKey).(*auth.Principal)
	return principal
}

// fastFilterMiddleware is the cheap pre-auth stage: it checks only for the
// presence of the session cookie, with no store access. Requests without a
// cookie are redirected to login immediately, carrying the requested path in
// the callbackUrl parameter. Requests with a cookie have their destination
// forwarded to the guard via the carrier header — any client-supplied value
// for that header is discarded first.
func (s *Server) fastFilterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(callbackHeader)

		if _, err := r.Cookie(s.cookieName); err != nil {
			http.Redirect(w, r, s.buildLoginRedirect(captureDestination(r)), http.StatusFound)
			return
		}

		forwardDestination(r)
		next.ServeHTTP(w, r)
	})
}

// sessionGuardMiddleware is the authoritative check gating protected
// content: it validates the session token against the store before any
// downstream handler runs, and it is the only enforcement point. Expired,
// revoked, and unknown sessions redirect to login with the forwarded
// destination preserved. An unreachable session store returns 503 instead of
// redirecting, so an outage is never mistaken for a logout.
func (s *Server) sessionGuardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if cookie, err := r.Cookie(s.cookieName); err == nil {
			token = cookie.Value
		}

		principal, err := s.authProvider.ValidateSession(r.Context(), token)
		if err != nil {
			var authErr *auth.AuthError
			if errors.As(err, &authErr) && authErr.Reason == auth.ReasonStoreUnavailable {
				s.logger.Error("session store unavailable", "error", err)
				w.Header().Set("Retry-After", "5")
				writeError(w, http.StatusServiceUnavailable, "session service unavailable, try again shortly")
				return
			}
			http.Redirect(w, r, s.buildLoginRedirect(readDestination(r, s.defaultDestination)), http.StatusFound)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdminMiddleware gates admin routes.
func (s *Server) requireAdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := getPrincipalFromContext(r.Context())
		if principal == nil || !principal.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// usageRecorderMiddleware enforces the org's monthly request quota and counts
// one request against its daily usage counter. Counter bookkeeping is
// best-effort: a failed increment or quota read is logged and the request
// proceeds, since billing must never take the console down.
func (s *Server) usageRecorderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal := getPrincipalFromContext(r.Context()); principal != nil && principal.OrgID != "" {
			over, err := s.billing.OverQuota(r.Context(), principal.OrgID)
			if err != nil {
				s.logger.Warn("failed to check quota", "org_id", principal.OrgID, "error", err)
			} else if over {
				writeError(w, http.StatusTooManyRequests, "monthly request quota exceeded")
				return
			}
			if err := s.billing.Record(r.Context(), principal.OrgID, 1); err != nil {
				s.logger.Warn("failed to record usage", "org_id", principal.OrgID, "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
