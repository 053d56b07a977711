package auth

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/coord"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := coord.NewMemory()
	m := NewSessionManager(backend, time.Hour, nil)

	token, csrf, err := m.Create(ctx, "admin")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if token == "" || csrf == "" {
		t.Fatal("expected non-empty tokens")
	}

	t.Run("resolve returns the session", func(t *testing.T) {
		sess, err := m.Resolve(ctx, token)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if sess == nil {
			t.Fatal("expected session")
		}
		if sess.UserID != "admin" || sess.CSRFToken != csrf {
			t.Errorf("unexpected session %+v", sess)
		}
		if !sess.ExpiresAt.Equal(sess.IssuedAt.Add(time.Hour)) {
			t.Error("expires-at should be issued-at + TTL")
		}
	})

	t.Run("unknown token resolves to nil", func(t *testing.T) {
		sess, err := m.Resolve(ctx, "no-such-token")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if sess != nil {
			t.Error("expected nil for unknown token")
		}
	})

	t.Run("revoke makes the token unauthenticated", func(t *testing.T) {
		if err := m.Revoke(ctx, token); err != nil {
			t.Fatalf("Revoke failed: %v", err)
		}
		sess, _ := m.Resolve(ctx, token)
		if sess != nil {
			t.Error("revoked token should not resolve")
		}
	})
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewSessionManager(coord.NewMemory(), 30*time.Millisecond, nil)

	token, _, err := m.Create(ctx, "admin")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	sess, err := m.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if sess != nil {
		t.Error("expired session should resolve to nil")
	}
}

func TestSessionExtend(t *testing.T) {
	ctx := context.Background()
	m := NewSessionManager(coord.NewMemory(), time.Hour, nil)

	token, _, _ := m.Create(ctx, "admin")
	before, _ := m.Resolve(ctx, token)

	time.Sleep(10 * time.Millisecond)
	if err := m.Extend(ctx, token); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	after, _ := m.Resolve(ctx, token)
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Error("Extend should push expires-at forward")
	}
}

func TestSessionSharedAcrossManagers(t *testing.T) {
	// Two managers over one backend model two cluster nodes behind a
	// load balancer: login on one, resolve on the other.
	ctx := context.Background()
	backend := coord.NewMemory()
	m1 := NewSessionManager(backend, time.Hour, nil)
	m2 := NewSessionManager(backend, time.Hour, nil)

	token, _, err := m1.Create(ctx, "admin")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sess, err := m2.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve on second node failed: %v", err)
	}
	if sess == nil || sess.UserID != "admin" {
		t.Errorf("session should be visible on the second node, got %+v", sess)
	}
}

func seedUser(t *testing.T, backend coord.Backend, user User) {
	t.Helper()
	data, err := json.Marshal(user)
	if err != nil {
		t.Fatal(err)
	}
	if err := backend.Put(context.Background(), UserPrefix+user.Username, data, 0); err != nil {
		t.Fatal(err)
	}
}

func TestUserStore(t *testing.T) {
	ctx := context.Background()
	backend := coord.NewMemory()
	s := NewUserStore(backend, nil)

	t.Run("create and authenticate", func(t *testing.T) {
		if err := s.Create(ctx, "admin", "password1", "admin"); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		user, err := s.Authenticate(ctx, "admin", "password1")
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if user.Username != "admin" || user.Role != "admin" {
			t.Errorf("unexpected user %+v", user)
		}
	})

	t.Run("duplicate username rejected", func(t *testing.T) {
		if err := s.Create(ctx, "admin", "password2", "viewer"); err != ErrUserExists {
			t.Errorf("expected ErrUserExists, got %v", err)
		}
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		if _, err := s.Authenticate(ctx, "admin", "wrongpass1"); err != ErrBadCredentials {
			t.Errorf("expected ErrBadCredentials, got %v", err)
		}
	})

	t.Run("unknown user rejected", func(t *testing.T) {
		if _, err := s.Authenticate(ctx, "ghost", "password1"); err != ErrBadCredentials {
			t.Errorf("expected ErrBadCredentials, got %v", err)
		}
	})

	t.Run("weak password rejected at create", func(t *testing.T) {
		if err := s.Create(ctx, "weak", "short", "viewer"); err == nil {
			t.Error("expected password policy error")
		}
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := s.Exists(ctx)
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if !ok {
			t.Error("expected at least one user")
		}
	})
}

func TestLegacyPasswordMigration(t *testing.T) {
	ctx := context.Background()
	backend := coord.NewMemory()
	s := NewUserStore(backend, nil)

	// Seed a legacy record directly: SHA-256("oldpassword9") hex.
	legacy := User{
		Username:     "old",
		PasswordHash: "937a37933a4d5e5ad30011c0df581d2bb4056ed3937399bf466860d3749e9819",
		Role:         "admin",
		Legacy:       true,
	}
	seedUser(t, backend, legacy)

	if _, err := s.Authenticate(ctx, "old", "wrongpass9"); err != ErrBadCredentials {
		t.Fatalf("wrong legacy password should fail, got %v", err)
	}

	user, err := s.Authenticate(ctx, "old", "oldpassword9")
	if err != nil {
		t.Fatalf("legacy Authenticate failed: %v", err)
	}
	if user.Legacy {
		t.Error("record should no longer be legacy after login")
	}

	// Stored record must now be bcrypt.
	stored, err := s.Get(ctx, "old")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Legacy {
		t.Error("stored record still marked legacy")
	}
	if !CheckPassword(stored.PasswordHash, "oldpassword9") {
		t.Error("stored hash should verify with bcrypt after migration")
	}
}
