package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/coord"
)

// UserPrefix is the coordination-backend namespace for user records, so
// admin-created users are visible on every cluster node.
const UserPrefix = "fleet:user:"

var (
	ErrUserExists     = errors.New("user already exists")
	ErrBadCredentials = errors.New("invalid username or password")
)

// User is the stored account record. PasswordHash never leaves this
// package; API responses use UserInfo.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Role         string    `json:"role"`
	Legacy       bool      `json:"legacy,omitempty"` // hash is SHA-256, pending migration
	CreatedAt    time.Time `json:"created_at"`
}

// UserInfo is the externally visible shape.
type UserInfo struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// UserStore persists users in the coordination backend.
type UserStore struct {
	backend coord.Backend
	log     *slog.Logger
}

// NewUserStore wires the store to the shared backend.
func NewUserStore(backend coord.Backend, log *slog.Logger) *UserStore {
	if log == nil {
		log = slog.Default()
	}
	return &UserStore{backend: backend, log: log.With("component", "users")}
}

// Create hashes the password and stores a new user. Uses compare-and-set
// so two nodes creating the same username concurrently cannot both win.
func (s *UserStore) Create(ctx context.Context, username, password, role string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user := User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	err = coord.Retry(ctx, s.log, "user create", func() error {
		return s.backend.CompareAndSwap(ctx, UserPrefix+username, nil, data, 0)
	})
	if errors.Is(err, coord.ErrCASMismatch) {
		return ErrUserExists
	}
	return err
}

// Get returns a user record, or coord.ErrNotFound.
func (s *UserStore) Get(ctx context.Context, username string) (*User, error) {
	var data []byte
	err := coord.Retry(ctx, s.log, "user get", func() error {
		var err error
		data, err = s.backend.Get(ctx, UserPrefix+username)
		return err
	})
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &user, nil
}

// Authenticate verifies credentials. A record still marked legacy is
// checked against its SHA-256 digest and, on success, rehashed with
// bcrypt before returning so the weak hash is gone after first login.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.Get(ctx, username)
	if errors.Is(err, coord.ErrNotFound) {
		// Burn comparable time so missing users are not distinguishable
		// by response latency.
		_, _ = HashPassword(password)
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}

	if user.Legacy {
		if !CheckLegacyPassword(user.PasswordHash, password) {
			return nil, ErrBadCredentials
		}
		if err := s.rehash(ctx, user, password); err != nil {
			// Login still succeeds; migration retries next time.
			s.log.Warn("legacy hash migration failed", "username", username, "error", err)
		}
		return user, nil
	}

	if !CheckPassword(user.PasswordHash, password) {
		return nil, ErrBadCredentials
	}
	return user, nil
}

// Exists reports whether any user record is present. Used by the
// first-run admin bootstrap.
func (s *UserStore) Exists(ctx context.Context) (bool, error) {
	var records map[string][]byte
	err := coord.Retry(ctx, s.log, "user list", func() error {
		var err error
		records, err = s.backend.List(ctx, UserPrefix)
		return err
	})
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

func (s *UserStore) rehash(ctx context.Context, user *User, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.Legacy = false
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return coord.Retry(ctx, s.log, "user rehash", func() error {
		return s.backend.Put(ctx, UserPrefix+user.Username, data, 0)
	})
}
