package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// limiter is a keyed token-bucket rate limiter. Keys are user IDs for
// authenticated traffic and remote IPs for the login endpoint.
type limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     float64 // tokens per second
	burst    int
}

type visitor struct {
	tokens   float64
	refilled time.Time
	seen     time.Time
}

func newLimiter(requestsPerSecond float64, burst int) *limiter {
	return &limiter{
		visitors: make(map[string]*visitor),
		rate:     requestsPerSecond,
		burst:    burst,
	}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{tokens: float64(l.burst), refilled: now}
		l.visitors[key] = v
	}

	v.tokens += now.Sub(v.refilled).Seconds() * l.rate
	if v.tokens > float64(l.burst) {
		v.tokens = float64(l.burst)
	}
	v.refilled = now
	v.seen = now

	if v.tokens < 1 {
		return false
	}
	v.tokens--
	return true
}

func (l *limiter) prune(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, v := range l.visitors {
		if v.seen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
}

// StartCleanup periodically drops visitors that have gone quiet.
func (l *limiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.prune(maxAge)
			}
		}
	}()
}

// rateLimitMiddleware limits requests using the given key function. Requests
// whose key resolves to "" pass through unlimited.
func rateLimitMiddleware(l *limiter, key func(*http.Request) string, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k != "" && !l.allow(k) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// remoteIP keys by client IP. RemoteAddr already holds the real client IP
// thanks to chi's RealIP middleware; strip the port when present.
func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// principalID keys by authenticated user.
func principalID(r *http.Request) string {
	if principal := getPrincipalFromContext(r.Context()); principal != nil {
		return principal.UserID
	}
	return ""
}
