package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskloom/taskloom-api/internal/kv"
)

// Store implements kv.Store on top of a Redis client. Every infrastructure
// failure is wrapped in kv.ErrUnavailable so callers can branch into their
// fallback path without inspecting driver-specific errors.
type Store struct {
	client *redis.Client
}

// NewStore creates a kv.Store backed by the given Redis client.
func NewStore(client *redis.Client) *Store {
	if client == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("redis client cannot be nil for Store")
	}
	return &Store{client: client}
}

// Get returns the value for key, with (nil, false, nil) on a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return val, true, nil
}

// Set stores value under key with the given TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Delete removes the given keys, returning how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("delete", err)
	}
	return int(n), nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

// Scan enumerates all keys matching the glob-style pattern using cursored
// SCAN rather than KEYS, so large keyspaces do not block the server.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, unavailable("scan", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Expire resets the TTL of an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, unavailable("expire", err)
	}
	return ok, nil
}

// Eval executes a Lua script atomically on the server.
func (s *Store) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := s.client.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return nil, unavailable("eval", err)
	}
	return res, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", kv.ErrUnavailable, op, err)
}
