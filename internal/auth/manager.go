// Package auth covers dashboard authentication: password hashing,
// sessions held in the coordination backend so any cluster node can
// resolve a login made through another, CSRF tokens, per-IP rate
// limiting, and the HTTP middleware chain.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/coord"
	"github.com/fleetwatch/fleetwatch/internal/crypt"
)

// SessionPrefix is the coordination-backend namespace for sessions.
const SessionPrefix = "fleet:session:"

// DefaultSessionTTL is applied when config leaves the TTL unset.
const DefaultSessionTTL = time.Hour

// sessionCacheTTL bounds how stale an in-process session read may be.
// Revocation on another node becomes visible within this window.
const sessionCacheTTL = 5 * time.Second

// Session is the record stored per token. The token itself is only the
// key, never part of the value.
type Session struct {
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	CSRFToken string    `json:"csrf_token"`
}

// Expired reports whether the session has lapsed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionManager mints, resolves, extends, and revokes sessions.
type SessionManager struct {
	backend coord.Backend
	ttl     time.Duration
	log     *slog.Logger

	cacheMu sync.Mutex
	cache   map[string]cachedSession
}

type cachedSession struct {
	session Session
	fetched time.Time
}

// NewSessionManager wires the manager to the shared backend.
func NewSessionManager(backend coord.Backend, ttl time.Duration, log *slog.Logger) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		backend: backend,
		ttl:     ttl,
		log:     log.With("component", "sessions"),
		cache:   make(map[string]cachedSession),
	}
}

// TTL returns the configured session lifetime.
func (m *SessionManager) TTL() time.Duration { return m.ttl }

// Create mints a fresh session for userID and stores it with the
// configured TTL. Returns the opaque token and its CSRF token.
func (m *SessionManager) Create(ctx context.Context, userID string) (token, csrf string, err error) {
	token, err = crypt.NewSessionToken()
	if err != nil {
		return "", "", fmt.Errorf("mint session token: %w", err)
	}
	csrf, err = crypt.NewCSRFToken()
	if err != nil {
		return "", "", fmt.Errorf("mint csrf token: %w", err)
	}

	now := time.Now()
	sess := Session{
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
		CSRFToken: csrf,
	}
	if err := m.put(ctx, token, sess); err != nil {
		return "", "", err
	}
	return token, csrf, nil
}

// Resolve returns the session for token, or nil when the token is
// unknown or expired. Reads are served from a short-lived cache to keep
// dashboard polling off the backend.
func (m *SessionManager) Resolve(ctx context.Context, token string) (*Session, error) {
	now := time.Now()

	m.cacheMu.Lock()
	if c, ok := m.cache[token]; ok && now.Sub(c.fetched) < sessionCacheTTL {
		m.cacheMu.Unlock()
		if c.session.Expired(now) {
			return nil, nil
		}
		sess := c.session
		return &sess, nil
	}
	m.cacheMu.Unlock()

	var data []byte
	err := coord.Retry(ctx, m.log, "session get", func() error {
		var err error
		data, err = m.backend.Get(ctx, SessionPrefix+token)
		return err
	})
	if errors.Is(err, coord.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	// TTL is best-effort; re-check freshness here.
	if sess.Expired(now) {
		return nil, nil
	}

	m.cacheMu.Lock()
	m.cache[token] = cachedSession{session: sess, fetched: now}
	m.cacheMu.Unlock()

	return &sess, nil
}

// Extend implements sliding expiry: expires-at resets to now + TTL.
func (m *SessionManager) Extend(ctx context.Context, token string) error {
	sess, err := m.Resolve(ctx, token)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	sess.ExpiresAt = time.Now().Add(m.ttl)
	return m.put(ctx, token, *sess)
}

// Revoke deletes the session record; the token is immediately
// unauthenticated on this node and within the cache window on others.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	m.cacheMu.Lock()
	delete(m.cache, token)
	m.cacheMu.Unlock()

	return coord.Retry(ctx, m.log, "session delete", func() error {
		return m.backend.Delete(ctx, SessionPrefix+token)
	})
}

func (m *SessionManager) put(ctx context.Context, token string, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	err = coord.Retry(ctx, m.log, "session put", func() error {
		return m.backend.Put(ctx, SessionPrefix+token, data, m.ttl)
	})
	if err != nil {
		return err
	}
	m.cacheMu.Lock()
	m.cache[token] = cachedSession{session: sess, fetched: time.Now()}
	m.cacheMu.Unlock()
	return nil
}
