package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/auth"
	"github.com/fleetwatch/fleetwatch/internal/metrics"
)

// apiLogin authenticates a dashboard user and issues the session and
// CSRF cookies. Runs behind the login rate limiter only.
func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		respondError(w, r, s.deps.Log, badRequest("malformed JSON"))
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, r, s.deps.Log, badRequest("username and password are required"))
		return
	}

	user, err := s.deps.Users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	token, csrf, err := s.deps.Sessions.Create(r.Context(), user.Username)
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	expiry := time.Now().Add(s.deps.Sessions.TTL())
	auth.SetSessionCookie(w, token, expiry, s.deps.CookieSecure)
	auth.SetCSRFCookie(w, csrf, expiry, s.deps.CookieSecure)
	metrics.SessionsCreated.Inc()

	s.deps.Log.Info("login", "username", user.Username)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"csrf_token": csrf,
	})
}

// apiLogout revokes the session and clears both cookies.
func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	if token := auth.GetSessionToken(r); token != "" {
		if err := s.deps.Sessions.Revoke(r.Context(), token); err != nil {
			respondError(w, r, s.deps.Log, err)
			return
		}
	}
	auth.ClearSessionCookie(w, s.deps.CookieSecure)
	auth.ClearCSRFCookie(w, s.deps.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
