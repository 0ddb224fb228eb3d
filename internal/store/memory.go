package store

import (
	"context"
	"sync"
	"time"
)

const sweepBatchSize = 256

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time // zero = no expiry
}

// MemoryStore is a mutex guarded map. Critical sections are O(1) except
// Sweep, which releases the lock between batches.
type MemoryStore[V any] struct {
	mu      sync.Mutex
	entries map[string]memoryEntry[V]
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore[V any]() *MemoryStore[V] {
	return &MemoryStore[V]{
		entries: make(map[string]memoryEntry[V]),
		now:     time.Now,
	}
}

// WithClock overrides the clock used for TTL expiry.
func (s *MemoryStore[V]) WithClock(now func() time.Time) *MemoryStore[V] {
	s.now = now
	return s
}

func (s *MemoryStore[V]) live(key string, now time.Time) (memoryEntry[V], bool) {
	e, ok := s.entries[key]
	if !ok {
		return e, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return e, false
	}
	return e, true
}

func (s *MemoryStore[V]) entry(value V, ttl time.Duration, now time.Time) memoryEntry[V] {
	e := memoryEntry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return e
}

func (s *MemoryStore[V]) Get(ctx context.Context, key string) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key, s.now())
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = s.entry(value, ttl, s.now())
	return nil
}

func (s *MemoryStore[V]) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore[V]) Update(ctx context.Context, key string, fn UpdateFunc[V]) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, exists := s.live(key, now)
	next, ttl, remove := fn(current.value, exists)
	if remove {
		delete(s.entries, key)
		return next, nil
	}
	s.entries[key] = s.entry(next, ttl, now)
	return next, nil
}

// Sweep snapshots the key set, then evaluates and deletes in batches so that
// concurrent requests are never blocked behind a full scan.
func (s *MemoryStore[V]) Sweep(ctx context.Context, stale func(key string, value V) bool) (int, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	removed := 0
	for start := 0; start < len(keys); start += sweepBatchSize {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		end := min(start+sweepBatchSize, len(keys))

		s.mu.Lock()
		now := s.now()
		for _, k := range keys[start:end] {
			e, ok := s.entries[k]
			if !ok {
				continue
			}
			expired := !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
			if expired || stale(k, e.value) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}

	return removed, nil
}

// Len reports the number of stored entries, including ones not yet swept.
func (s *MemoryStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
