// Package ratelimit implements sliding-window admission control over the
// shared remote store, with a process-local fixed-window fallback for
// degraded operation and a fail-open default on unexpected errors.
package ratelimit

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"context"

	"github.com/google/uuid"

	"github.com/taskloom/taskloom-api/internal/kv"
)

// DefaultKeyPrefix namespaces rate-limit records in the remote store.
const DefaultKeyPrefix = "ratelimit:"

// Policy describes the admission quota applied to one identifier.
type Policy struct {
	// Limit is the maximum number of admitted events per window.
	Limit int

	// Window is the trailing window duration.
	Window time.Duration

	// KeyPrefix overrides DefaultKeyPrefix, giving callers independent
	// quota namespaces.
	KeyPrefix string
}

// Decision is the outcome of a rate-limit check. It is computed, never
// persisted.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	TotalHits int
}

// slidingWindowScript atomically prunes the window, counts survivors, and
// either admits (append + refresh expiry) or denies with the oldest
// surviving timestamp. Running it as one script is what keeps concurrent
// checks for the same identifier from over-admitting across instances.
//
// Reply: {allowed (0|1), total hits in window, reset timestamp in ms}.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local reset = now + window
  if oldest[2] then
    reset = tonumber(oldest[2]) + window
  end
  return {0, count, reset}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, count + 1, now + window}
`

// Limiter checks admission quotas against the remote store, degrading to a
// local fixed-window counter when the store is unreachable.
type Limiter struct {
	store    kv.Store
	fallback *fixedWindow
	logger   *slog.Logger

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time

	// degraded records whether the most recent check used the fallback.
	degraded atomic.Bool
}

// NewLimiter creates a rate limiter over the given remote store.
func NewLimiter(store kv.Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for ratelimit.Limiter")
	}
	now := time.Now
	return &Limiter{
		store:    store,
		fallback: newFixedWindow(now),
		logger:   logger.With(slog.String("component", "ratelimit")),
		now:      now,
	}
}

// Check applies the policy to the identifier and returns the decision.
// It never returns an error: infrastructure failure degrades to the local
// fixed-window counter, and any other unexpected failure fails open.
func (l *Limiter) Check(ctx context.Context, identifier string, p Policy) Decision {
	prefix := p.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	key := prefix + identifier
	now := l.now()

	reply, err := l.store.Eval(ctx, slidingWindowScript, []string{key},
		now.UnixMilli(), p.Window.Milliseconds(), p.Limit, uuid.NewString())
	if err != nil {
		if errors.Is(err, kv.ErrUnavailable) || errors.Is(err, kv.ErrNotSupported) {
			l.noteDegraded(err)
			return l.fallback.check(key, p, now)
		}
		// Unexpected failure: admit rather than block legitimate traffic.
		l.logger.Error("rate limit check failed, failing open",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()))
		return l.failOpen(p, now)
	}
	l.degraded.Store(false)

	decision, err := parseReply(reply, p, now)
	if err != nil {
		l.logger.Error("malformed rate limit script reply, failing open",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()))
		return l.failOpen(p, now)
	}
	return decision
}

// Degraded reports whether the most recent check ran against the fallback
// counter instead of the remote store.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

// Backend names the backend the limiter is currently operating on, for the
// health surface.
func (l *Limiter) Backend() string {
	if l.degraded.Load() {
		return "fallback"
	}
	return "primary"
}

func (l *Limiter) noteDegraded(err error) {
	if !l.degraded.Swap(true) {
		l.logger.Warn("remote store unavailable, rate limiting on local fixed window",
			slog.String("error", err.Error()))
	}
}

func (l *Limiter) failOpen(p Policy, now time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit - 1,
		ResetAt:   now.Add(p.Window),
		TotalHits: 0,
	}
}

// parseReply decodes the {allowed, hits, resetMs} script reply.
func parseReply(reply interface{}, p Policy, now time.Time) (Decision, error) {
	arr, ok := reply.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, errors.New("reply is not a 3-element array")
	}
	values := make([]int64, 3)
	for i, v := range arr {
		n, ok := v.(int64)
		if !ok {
			return Decision{}, errors.New("reply element is not an integer")
		}
		values[i] = n
	}

	allowed := values[0] == 1
	hits := int(values[1])
	remaining := p.Limit - hits
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     p.Limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(values[2]),
		TotalHits: hits,
	}, nil
}
