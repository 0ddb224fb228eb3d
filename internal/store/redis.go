package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 8

// RedisStore keeps JSON encoded values under a key prefix. Expiry is
// delegated to Redis TTLs, so Sweep has nothing to do.
type RedisStore[V any] struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store whose keys are namespaced by prefix.
func NewRedisStore[V any](client redis.UniversalClient, prefix string) *RedisStore[V] {
	return &RedisStore[V]{client: client, prefix: prefix}
}

func (s *RedisStore[V]) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore[V]) decode(data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode stored value: %w", err)
	}
	return v, nil
}

func (s *RedisStore[V]) Get(ctx context.Context, key string) (V, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		var zero V
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("redis get: %w", err)
	}
	return s.decode(data)
}

func (s *RedisStore[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore[V]) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Update uses WATCH/MULTI so a concurrent writer forces a retry instead of a lost update.
func (s *RedisStore[V]) Update(ctx context.Context, key string, fn UpdateFunc[V]) (V, error) {
	k := s.key(key)
	var result V

	txf := func(tx *redis.Tx) error {
		var current V
		exists := true

		data, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if current, err = s.decode(data); err != nil {
				return err
			}
		}

		next, ttl, remove := fn(current, exists)
		result = next

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if remove {
				pipe.Del(ctx, k)
				return nil
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return err
			}
			pipe.Set(ctx, k, encoded, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var zero V
		return zero, fmt.Errorf("redis update: %w", err)
	}

	var zero V
	return zero, fmt.Errorf("redis update: too much contention on %s", k)
}

func (s *RedisStore[V]) Sweep(ctx context.Context, stale func(key string, value V) bool) (int, error) {
	return 0, nil
}
