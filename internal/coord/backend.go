// Package coord abstracts the external key/value store that cluster
// membership, sessions, and user records share. Three bindings exist:
// an in-memory map for tests and single-node deployments, a bbolt file
// for durable single-writer setups, and Redis for production clusters.
package coord

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist or its
	// TTL has lapsed.
	ErrNotFound = errors.New("key not found")

	// ErrCASMismatch is returned by CompareAndSwap when the current value
	// does not match the expected old value.
	ErrCASMismatch = errors.New("compare-and-swap mismatch")

	// ErrUnavailable wraps transport failures after retries are exhausted.
	ErrUnavailable = errors.New("coordination backend unavailable")
)

// Backend is the capability set the core needs from the coordination
// store. TTL is best-effort: callers re-check freshness on read and must
// tolerate a record surviving slightly past its TTL. No transactions
// across keys are assumed; CompareAndSwap is used for node
// self-registration collision detection and for race-free user creation.
type Backend interface {
	// Put stores value under key. A zero ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all live key/value pairs whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// CompareAndSwap replaces key's value with new only if the current
	// value equals old. A nil old asserts the key must not exist.
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) error

	// Ping verifies the backend is reachable. Used by the health route.
	Ping(ctx context.Context) error

	// Close releases connections or file handles.
	Close() error
}
