// Package store is the key-value abstraction behind the rate limiter and the
// CSRF token manager. A single instance uses MemoryStore; several instances
// share state through RedisStore.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key has no live value.
var ErrNotFound = errors.New("store: key not found")

// UpdateFunc receives the current value (exists=false when absent) and
// returns the value to write. Returning remove=true deletes the key instead.
type UpdateFunc[V any] func(current V, exists bool) (next V, ttl time.Duration, remove bool)

// Store is a keyed value store with an atomic read-modify-write primitive.
// A ttl of zero means the value never expires on its own.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Update applies fn atomically with respect to other calls for key and
	// returns the value written.
	Update(ctx context.Context, key string, fn UpdateFunc[V]) (V, error)
	// Sweep deletes every value for which stale returns true and reports how
	// many were removed.
	Sweep(ctx context.Context, stale func(key string, value V) bool) (int, error)
}
