package api

import (
	"net/http"
	"net/url"
	"strings"
)

// callbackHeader carries the originally requested destination from the fast
// cookie filter to the session guard. The filter always overwrites it, so a
// client-supplied value never reaches the guard.
const callbackHeader = "x-callback-url"

// callbackParam is the login-page query parameter holding the destination.
const callbackParam = "callbackUrl"

// captureDestination derives the intended destination from the request
// path and query.
func captureDestination(r *http.Request) string {
	dest := r.URL.Path
	if r.URL.RawQuery != "" {
		dest += "?" + r.URL.RawQuery
	}
	return dest
}

// forwardDestination serializes the destination into the carrier header for
// the guard to read after the authoritative session check.
func forwardDestination(r *http.Request) {
	r.Header.Set(callbackHeader, captureDestination(r))
}

// readDestination returns the forwarded destination, or fallback when the
// carrier header is absent.
func readDestination(r *http.Request, fallback string) string {
	if dest := r.Header.Get(callbackHeader); dest != "" {
		return dest
	}
	return fallback
}

// buildLoginRedirect produces the login URL with the destination
// percent-encoded under the callbackUrl parameter. Encoding is idempotent:
// the same destination always yields the same URL string. A destination that
// is itself the login page collapses to the default so redirects cannot
// chain encodings into a loop.
func (s *Server) buildLoginRedirect(dest string) string {
	dest = sanitizeDestination(dest, s.defaultDestination)
	if path, _, _ := strings.Cut(dest, "?"); path == s.loginPath {
		dest = s.defaultDestination
	}
	return s.loginPath + "?" + callbackParam + "=" + url.QueryEscape(dest)
}

// sanitizeDestination restricts a destination to a local path. Anything that
// could be interpreted as an absolute or scheme-relative URL falls back, so
// the login flow can never bounce a user off-site.
func sanitizeDestination(dest, fallback string) string {
	switch {
	case dest == "":
		return fallback
	case !strings.HasPrefix(dest, "/"):
		return fallback
	case strings.HasPrefix(dest, "//"):
		return fallback
	case strings.ContainsAny(dest, "\\\r\n"):
		return fallback
	}
	return dest
}
