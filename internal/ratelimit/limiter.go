// Package ratelimit implements a fixed-window request counter with an
// escalating block, keyed by an arbitrary client identifier.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/BradenHooton/visaportal/internal/store"
)

// Entry is the per-key limiter state. It records its own window so one store
// can serve several limits.
type Entry struct {
	Count        int           `json:"count"`
	WindowStart  time.Time     `json:"window_start"`
	Window       time.Duration `json:"window"`
	BlockedUntil *time.Time    `json:"blocked_until,omitempty"`
}

func (e Entry) blocked(now time.Time) bool {
	return e.BlockedUntil != nil && now.Before(*e.BlockedUntil)
}

// stale reports whether the entry can be evicted without losing an active block.
func (e Entry) stale(now time.Time) bool {
	return now.Sub(e.WindowStart) > 2*e.Window && !e.blocked(now)
}

// Result is the outcome of a Check, exposed to callers for response headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1 when set.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Limiter applies the fixed-window algorithm on top of a store.Store.
type Limiter struct {
	store store.Store[Entry]
	now   func() time.Time
}

// New creates a Limiter backed by s.
func New(s store.Store[Entry]) *Limiter {
	return &Limiter{store: s, now: time.Now}
}

// WithClock overrides the limiter clock. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check counts one request against key. A blocked key is rejected without
// touching its counter. On a store failure the request is allowed and the
// error is returned for logging; losing limiter state must never block.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := l.now()

	var res Result
	_, err := l.store.Update(ctx, key, func(e Entry, exists bool) (Entry, time.Duration, bool) {
		switch {
		case exists && e.blocked(now):
			res = Result{
				Allowed:    false,
				Limit:      limit,
				Remaining:  0,
				ResetAt:    *e.BlockedUntil,
				RetryAfter: e.BlockedUntil.Sub(now),
			}
			return e, entryTTL(e, now), false

		case !exists || !now.Before(e.WindowStart.Add(window)):
			e = Entry{Count: 1, WindowStart: now, Window: window}

		default:
			e.Count++
			e.Window = window
			if e.Count > limit {
				until := now.Add(window)
				e.BlockedUntil = &until
				res = Result{
					Allowed:    false,
					Limit:      limit,
					Remaining:  0,
					ResetAt:    until,
					RetryAfter: window,
				}
				return e, entryTTL(e, now), false
			}
		}

		res = Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: max(limit-e.Count, 0),
			ResetAt:   e.WindowStart.Add(window),
		}
		return e, entryTTL(e, now), false
	})
	if err != nil {
		return Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   now.Add(window),
		}, fmt.Errorf("rate limit check for %q: %w", key, err)
	}

	return res, nil
}

// Refund gives back the request most recently counted against key. It backs
// skipSuccessfulRequests: only failed outcomes consume the budget.
func (l *Limiter) Refund(ctx context.Context, key string) error {
	now := l.now()
	_, err := l.store.Update(ctx, key, func(e Entry, exists bool) (Entry, time.Duration, bool) {
		if !exists {
			return e, 0, true
		}
		if e.Count > 0 {
			e.Count--
		}
		return e, entryTTL(e, now), false
	})
	if err != nil {
		return fmt.Errorf("rate limit refund for %q: %w", key, err)
	}
	return nil
}

// Sweep evicts entries whose window started more than two windows ago.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	now := l.now()
	return l.store.Sweep(ctx, func(_ string, e Entry) bool {
		return e.stale(now)
	})
}

// entryTTL keeps an entry around for two windows from its start, which
// always outlasts its block since a block is at most one window past the
// window it was raised in.
func entryTTL(e Entry, now time.Time) time.Duration {
	ttl := e.WindowStart.Add(2 * e.Window).Sub(now)
	if e.BlockedUntil != nil {
		if untilBlock := e.BlockedUntil.Sub(now); untilBlock > ttl {
			ttl = untilBlock
		}
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
