// Package cache provides the namespaced application cache: a remote shared
// store fronted by a process-local fallback, so that losing the remote store
// degrades performance but never correctness. Every cached value is
// reconstructible from the system of record.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/taskloom/taskloom-api/internal/kv"
)

// DefaultNamespace partitions keys written without an explicit namespace.
const DefaultNamespace = "app"

// Options customize a single cache operation.
type Options struct {
	// TTL overrides the service default expiry. Zero means "use default".
	TTL time.Duration

	// Namespace partitions the keyspace; empty means DefaultNamespace.
	Namespace string
}

// Service is the application cache. All operations try the remote store
// first and retry against the in-memory fallback on infrastructure failure;
// infrastructure errors are never propagated to callers.
type Service struct {
	primary    kv.Store
	fallback   *kv.Memory
	defaultTTL time.Duration
	stats      *Stats
	logger     *slog.Logger

	// degraded records whether the most recent primary access failed,
	// reported on the health surface.
	degraded atomic.Bool
}

// NewService creates a cache service over the given primary store and
// fallback. defaultTTL applies to operations whose Options leave TTL unset.
func NewService(primary kv.Store, fallback *kv.Memory, defaultTTL time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for cache.Service")
	}
	return &Service{
		primary:    primary,
		fallback:   fallback,
		defaultTTL: defaultTTL,
		stats:      &Stats{},
		logger:     logger.With(slog.String("component", "cache")),
	}
}

// Set serializes value and stores it under the namespaced key.
// Serialization failure is returned as an error without touching the store.
func (s *Service) Set(ctx context.Context, key string, value interface{}, opts Options) error {
	data, err := json.Marshal(value)
	if err != nil {
		s.stats.errors.Add(1)
		return fmt.Errorf("%w: key %q: %v", ErrEncode, key, err)
	}

	nsKey := s.namespacedKey(key, opts)
	ttl := s.ttl(opts)

	if err := s.primary.Set(ctx, nsKey, data, ttl); err != nil {
		s.noteDegraded("set", nsKey, err)
		if err := s.fallback.Set(ctx, nsKey, data, ttl); err != nil {
			s.stats.errors.Add(1)
			return nil
		}
	} else {
		s.degraded.Store(false)
	}
	s.stats.sets.Add(1)
	return nil
}

// Get loads the namespaced key into dest, returning false on a miss.
// A payload that fails to deserialize is logged, dropped, and reported as a
// miss; infrastructure failures are absorbed by the fallback store.
func (s *Service) Get(ctx context.Context, key string, dest interface{}, opts Options) (bool, error) {
	nsKey := s.namespacedKey(key, opts)

	data, found, err := s.primary.Get(ctx, nsKey)
	if err != nil {
		s.noteDegraded("get", nsKey, err)
		data, found, _ = s.fallback.Get(ctx, nsKey)
	} else {
		s.degraded.Store(false)
	}

	if !found {
		s.stats.misses.Add(1)
		return false, nil
	}

	if err := json.Unmarshal(data, dest); err != nil {
		// Malformed payload: treat as a miss and drop the entry so the
		// next write replaces it.
		s.logger.Warn("dropping undecodable cache entry",
			slog.String("key", nsKey),
			slog.String("error", err.Error()))
		s.stats.errors.Add(1)
		s.stats.misses.Add(1)
		_, _ = s.primary.Delete(ctx, nsKey)
		_, _ = s.fallback.Delete(ctx, nsKey)
		return false, nil
	}

	s.stats.hits.Add(1)
	return true, nil
}

// GetOrSet returns the cached value when present; on a miss it invokes
// factory, caches the result, and loads it into dest. Factory errors are
// returned unchanged and nothing is cached.
func (s *Service) GetOrSet(
	ctx context.Context,
	key string,
	dest interface{},
	factory func(ctx context.Context) (interface{}, error),
	opts Options,
) error {
	found, err := s.Get(ctx, key, dest, opts)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	value, err := factory(ctx)
	if err != nil {
		return fmt.Errorf("cache factory for key %q failed: %w", key, err)
	}

	if err := s.Set(ctx, key, value, opts); err != nil {
		// The computed value is still good; a cache write failure only
		// costs the next caller a recomputation.
		s.logger.Warn("failed to cache computed value",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}

	// Round-trip through JSON so dest is populated identically to a hit.
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrEncode, key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrDecode, key, err)
	}
	return nil
}

// Delete removes the namespaced key from both backends, reporting whether
// it existed in either.
func (s *Service) Delete(ctx context.Context, key string, opts Options) (bool, error) {
	nsKey := s.namespacedKey(key, opts)

	n, err := s.primary.Delete(ctx, nsKey)
	if err != nil {
		s.noteDegraded("delete", nsKey, err)
		n = 0
	}
	fn, _ := s.fallback.Delete(ctx, nsKey)

	s.stats.deletes.Add(1)
	return n > 0 || fn > 0, nil
}

// Has reports whether the namespaced key is present without reading it.
func (s *Service) Has(ctx context.Context, key string, opts Options) (bool, error) {
	nsKey := s.namespacedKey(key, opts)

	ok, err := s.primary.Exists(ctx, nsKey)
	if err != nil {
		s.noteDegraded("has", nsKey, err)
		return s.fallback.Exists(ctx, nsKey)
	}
	return ok, nil
}

// Expire resets the TTL of an existing entry.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration, opts Options) (bool, error) {
	nsKey := s.namespacedKey(key, opts)

	ok, err := s.primary.Expire(ctx, nsKey, ttl)
	if err != nil {
		s.noteDegraded("expire", nsKey, err)
		return s.fallback.Expire(ctx, nsKey, ttl)
	}
	return ok, nil
}

// MGet loads multiple keys in one pass, returning the raw payloads of the
// keys that were present. Missing keys are simply absent from the result.
func (s *Service) MGet(ctx context.Context, keys []string, opts Options) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		nsKey := s.namespacedKey(key, opts)

		data, found, err := s.primary.Get(ctx, nsKey)
		if err != nil {
			s.noteDegraded("mget", nsKey, err)
			data, found, _ = s.fallback.Get(ctx, nsKey)
		}
		if !found {
			s.stats.misses.Add(1)
			continue
		}
		s.stats.hits.Add(1)
		result[key] = json.RawMessage(data)
	}
	return result, nil
}

// MSet stores multiple values in one pass. A value that fails to serialize
// is skipped and reported; the remaining entries are still written.
func (s *Service) MSet(ctx context.Context, items map[string]interface{}, opts Options) error {
	var encodeErr error
	for key, value := range items {
		if err := s.Set(ctx, key, value, opts); err != nil {
			if errors.Is(err, ErrEncode) && encodeErr == nil {
				encodeErr = err
			}
		}
	}
	return encodeErr
}

// InvalidatePattern deletes every key in the namespace matching the
// glob-style pattern, returning how many entries were removed. The remote
// store is enumerated with SCAN then bulk-deleted; the fallback store is
// always cleared too, so entries written during a degraded period do not
// outlive an invalidation.
func (s *Service) InvalidatePattern(ctx context.Context, pattern, namespace string) (int, error) {
	nsPattern := s.namespacedKey(pattern, Options{Namespace: namespace})

	count := 0
	keys, err := s.primary.Scan(ctx, nsPattern)
	if err != nil {
		s.noteDegraded("invalidate", nsPattern, err)
	} else if len(keys) > 0 {
		n, err := s.primary.Delete(ctx, keys...)
		if err != nil {
			s.noteDegraded("invalidate", nsPattern, err)
		} else {
			count += n
		}
	}

	fbKeys, _ := s.fallback.Scan(ctx, nsPattern)
	if len(fbKeys) > 0 {
		n, _ := s.fallback.Delete(ctx, fbKeys...)
		count += n
	}

	if count > 0 {
		s.stats.deletes.Add(int64(count))
	}
	return count, nil
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Snapshot {
	return s.stats.Snapshot()
}

// Degraded reports whether the most recent primary-store access failed.
func (s *Service) Degraded() bool {
	return s.degraded.Load()
}

func (s *Service) namespacedKey(key string, opts Options) string {
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + ":" + key
}

func (s *Service) ttl(opts Options) time.Duration {
	if opts.TTL > 0 {
		return opts.TTL
	}
	return s.defaultTTL
}

func (s *Service) noteDegraded(op, key string, err error) {
	s.degraded.Store(true)
	s.stats.errors.Add(1)
	s.logger.Warn("primary cache store failed, using fallback",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()))
}
