package store

import (
	"context"
	"time"
)

// Store is the narrow set of atomic primitives every coordination mechanism
// in this service is built on. Cross-worker invariants (locks, attempt
// counters, queue handoff) must go through exactly one of these calls; no
// read-modify-write over two calls.
type Store interface {
	// SetIfAbsent atomically creates key with the given TTL, returning false
	// if a live value already exists.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns errors.ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Increment atomically increments the integer at key, creating it at 1.
	Increment(ctx context.Context, key string) (int64, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Push appends value to the tail of the named queue.
	Push(ctx context.Context, queue, value string) error

	// BlockingPop removes and returns the head of the named queue, waiting up
	// to timeout. Returns errors.ErrNotFound when the wait elapses empty.
	BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, error)

	Delete(ctx context.Context, keys ...string) error

	// DeleteIfEquals atomically deletes key only while it still holds value,
	// reporting whether the delete happened. Lock release goes through this
	// so a stale holder cannot delete a successor's lock.
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)

	// ScanPrefix enumerates live keys with the given prefix. Recovery only;
	// never part of a hot path.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}
