package auth

import (
	"net/http"
	"time"
)

const (
	// SessionCookieName is the opaque-token cookie set at login.
	SessionCookieName = "session"

	// CSRFHeaderName carries the session's CSRF token on state-changing
	// dashboard calls.
	CSRFHeaderName = "X-CSRF-Token"

	// CSRFCookieName exposes the CSRF token to dashboard scripts; not
	// HttpOnly by design.
	CSRFCookieName = "csrf_token"
)

// SetSessionCookie sets the session cookie on the response.
func SetSessionCookie(w http.ResponseWriter, token string, expiry time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiry,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	})
}

// ClearSessionCookie removes the session cookie.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	})
}

// GetSessionToken extracts the session token from the request cookie.
func GetSessionToken(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SetCSRFCookie mirrors the CSRF token into a JS-readable cookie so the
// dashboard can echo it back in the header.
func SetCSRFCookie(w http.ResponseWriter, token string, expiry time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiry,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	})
}

// ClearCSRFCookie removes the CSRF cookie.
func ClearCSRFCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	})
}
