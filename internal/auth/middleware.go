package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/fleetwatch/fleetwatch/internal/crypt"
)

type contextKey string

// ContextKey carries the per-request auth context.
const ContextKey contextKey = "fleetwatch.request"

// RequestContext is attached to every request after the middleware chain
// runs: the request id always, the session and principal when a
// dashboard route authenticated.
type RequestContext struct {
	RequestID string
	UserID    string
	Session   *Session
}

// GetRequestContext extracts the RequestContext from a request context.
func GetRequestContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(ContextKey).(*RequestContext)
	return rc
}

// WithRequestContext returns a child context carrying rc.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ContextKey, rc)
}

// Service bundles what the middleware chain needs.
type Service struct {
	APIKey       string
	Sessions     *SessionManager
	CookieSecure bool
	LoginLimiter *RateLimiter
	AgentLimiter *RateLimiter
}

// AgentAuth enforces the shared API key on agent routes, then the per-IP
// bucket. Mismatches are indistinguishable from missing keys.
func (s *Service) AgentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if s.APIKey == "" || !crypt.ConstantTimeEquals(key, s.APIKey) {
			denyJSON(w, r, http.StatusUnauthorized, "AuthError")
			return
		}
		if s.AgentLimiter != nil && !s.AgentLimiter.Allow(ClientIP(r)) {
			denyJSON(w, r, http.StatusTooManyRequests, "RateLimited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// DashboardAuth resolves the session cookie, extends the session for
// sliding expiry, and stores the principal in the request context. JSON
// routes get 401; HTML routes redirect to /login.
func (s *Service) DashboardAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := GetSessionToken(r)
		if token != "" {
			sess, err := s.Sessions.Resolve(r.Context(), token)
			if err != nil {
				denyJSON(w, r, http.StatusServiceUnavailable, "BackendUnavailable")
				return
			}
			if sess != nil {
				if err := s.Sessions.Extend(r.Context(), token); err == nil {
					rc := GetRequestContext(r.Context())
					if rc == nil {
						rc = &RequestContext{}
					}
					rc.UserID = sess.UserID
					rc.Session = sess
					next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
					return
				}
				denyJSON(w, r, http.StatusServiceUnavailable, "BackendUnavailable")
				return
			}
			// Invalid or expired session; drop the stale cookie.
			ClearSessionCookie(w, s.CookieSecure)
		}

		if isJSONRequest(r) {
			denyJSON(w, r, http.StatusUnauthorized, "AuthError")
		} else {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
		}
	})
}

// CSRF validates the X-CSRF-Token header against the session's token on
// state-changing methods. Runs after DashboardAuth.
func (s *Service) CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		rc := GetRequestContext(r.Context())
		if rc == nil || rc.Session == nil {
			denyJSON(w, r, http.StatusUnauthorized, "AuthError")
			return
		}
		header := r.Header.Get(CSRFHeaderName)
		if header == "" || !crypt.ConstantTimeEquals(header, rc.Session.CSRFToken) {
			denyJSON(w, r, http.StatusForbidden, "CsrfError")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoginRateLimit guards the login route per source IP.
func (s *Service) LoginRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.LoginLimiter != nil && !s.LoginLimiter.Allow(ClientIP(r)) {
			denyJSON(w, r, http.StatusTooManyRequests, "RateLimited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the originating address, preferring the first
// X-Forwarded-For hop when a load balancer fronts the node.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isJSONRequest distinguishes API calls from browser navigation.
func isJSONRequest(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// denyJSON writes the standard error body from middleware, where the
// central dispatcher translation is not yet in play.
func denyJSON(w http.ResponseWriter, r *http.Request, status int, kind string) {
	requestID := ""
	if rc := GetRequestContext(r.Context()); rc != nil {
		requestID = rc.RequestID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"request_id":%q}`+"\n", kind, requestID)
}
