// Package coordination provides the shared ephemeral key-value store the
// allocator uses for reservation locks, usage counters and rate limiting.
// All primitives are single-key atomic; the allocator builds every
// cross-process guarantee on top of SetIfAbsent.
package coordination

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a transient transport failure (timeout, connection
// loss). It is distinct from the absent/exists outcomes so callers can map
// it to a retryable error instead of misreading store state.
var ErrUnavailable = errors.New("coordination store unavailable")

// Store is the minimal atomic surface the allocator needs. Implementations
// must keep each method single-key atomic.
type Store interface {
	// SetIfAbsent writes value under key with the given TTL only when the
	// key does not already exist. Returns true when the key was created.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Delete removes the key. Returns true when a key was actually deleted.
	Delete(ctx context.Context, key string) (bool, error)

	// IncrementWithTTL atomically increments the integer at key and returns
	// the post-increment value. The TTL is applied only when the increment
	// created the key.
	IncrementWithTTL(ctx context.Context, key string, ttlIfNew time.Duration) (int64, error)

	// Decrement atomically decrements the integer at key. Used only for
	// best-effort compensation after a cap violation; drift heals at TTL
	// expiry.
	Decrement(ctx context.Context, key string) (int64, error)

	// Close releases the underlying connection, if any.
	Close() error
}
