package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/coord"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func testService(t *testing.T) (*Service, coord.Backend) {
	t.Helper()
	backend := coord.NewMemory()
	return &Service{
		APIKey:       "secret123",
		Sessions:     NewSessionManager(backend, time.Hour, nil),
		LoginLimiter: NewRateLimiter(1000),
		AgentLimiter: NewRateLimiter(1000),
	}, backend
}

func TestAgentAuth(t *testing.T) {
	svc, _ := testService(t)
	handler := svc.AgentAuth(okHandler())

	t.Run("valid key passes", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/fleet/report", nil)
		r.Header.Set("X-API-Key", "secret123")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
	})

	t.Run("missing key rejected", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/fleet/report", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/fleet/report", nil)
		r.Header.Set("X-API-Key", "wrong")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("empty configured key rejects everything", func(t *testing.T) {
		empty := &Service{APIKey: ""}
		r := httptest.NewRequest("POST", "/api/fleet/report", nil)
		r.Header.Set("X-API-Key", "")
		w := httptest.NewRecorder()
		empty.AgentAuth(okHandler()).ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401 for empty key config, got %d", w.Code)
		}
	})
}

func TestDashboardAuth(t *testing.T) {
	svc, _ := testService(t)
	handler := svc.DashboardAuth(okHandler())

	token, _, err := svc.Sessions.Create(context.Background(), "admin")
	if err != nil {
		t.Fatalf("Create session failed: %v", err)
	}

	t.Run("valid cookie passes and sets principal", func(t *testing.T) {
		var seen *RequestContext
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestContext(r.Context())
			w.WriteHeader(http.StatusOK)
		})
		r := httptest.NewRequest("GET", "/api/fleet/machines", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
		w := httptest.NewRecorder()
		svc.DashboardAuth(inner).ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if seen == nil || seen.UserID != "admin" {
			t.Errorf("principal not propagated: %+v", seen)
		}
	})

	t.Run("missing cookie on API route gets 401", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/fleet/machines", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("missing cookie on HTML route redirects", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/dashboard", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusSeeOther {
			t.Errorf("expected redirect, got %d", w.Code)
		}
	})

	t.Run("bogus token rejected", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/fleet/machines", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "bogus"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})
}

func TestCSRFMiddleware(t *testing.T) {
	svc, _ := testService(t)

	token, csrf, err := svc.Sessions.Create(context.Background(), "admin")
	if err != nil {
		t.Fatal(err)
	}
	chain := svc.DashboardAuth(svc.CSRF(okHandler()))

	post := func(csrfHeader string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("POST", "/api/fleet/command", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
		if csrfHeader != "" {
			r.Header.Set(CSRFHeaderName, csrfHeader)
		}
		w := httptest.NewRecorder()
		chain.ServeHTTP(w, r)
		return w
	}

	t.Run("GET needs no token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/fleet/machines", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
		w := httptest.NewRecorder()
		chain.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
	})

	t.Run("POST without token gets 403", func(t *testing.T) {
		if w := post(""); w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})

	t.Run("POST with wrong token gets 403", func(t *testing.T) {
		if w := post("deadbeef"); w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})

	t.Run("POST with correct token passes", func(t *testing.T) {
		if w := post(csrf); w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows up to burst then rejects", func(t *testing.T) {
		rl := NewRateLimiter(5)
		for i := 0; i < 5; i++ {
			if !rl.Allow("1.2.3.4") {
				t.Fatalf("request %d should be allowed", i)
			}
		}
		if rl.Allow("1.2.3.4") {
			t.Error("burst exhausted; request should be rejected")
		}
	})

	t.Run("ips are independent", func(t *testing.T) {
		rl := NewRateLimiter(2)
		rl.Allow("a")
		rl.Allow("a")
		if rl.Allow("a") {
			t.Error("a should be exhausted")
		}
		if !rl.Allow("b") {
			t.Error("b should be unaffected")
		}
	})
}

func TestClientIP(t *testing.T) {
	t.Run("remote addr", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.1.2.3:5555"
		if got := ClientIP(r); got != "10.1.2.3" {
			t.Errorf("expected 10.1.2.3, got %q", got)
		}
	})

	t.Run("forwarded for wins", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		if got := ClientIP(r); got != "203.0.113.7" {
			t.Errorf("expected 203.0.113.7, got %q", got)
		}
	})
}

func TestPasswordHashing(t *testing.T) {
	t.Run("hash verifies", func(t *testing.T) {
		hash, err := HashPassword("correcthorse1")
		if err != nil {
			t.Fatalf("HashPassword failed: %v", err)
		}
		if !CheckPassword(hash, "correcthorse1") {
			t.Error("hash should verify")
		}
		if CheckPassword(hash, "wrong") {
			t.Error("wrong password should not verify")
		}
	})

	t.Run("policy", func(t *testing.T) {
		cases := []struct {
			password string
			wantErr  error
		}{
			{"short1", ErrPasswordTooShort},
			{"12345678", ErrPasswordNoLetter},
			{"abcdefgh", ErrPasswordNoDigit},
			{"abcdefg1", nil},
		}
		for _, c := range cases {
			if err := ValidatePassword(c.password); err != c.wantErr {
				t.Errorf("ValidatePassword(%q) = %v, want %v", c.password, err, c.wantErr)
			}
		}
	})
}
