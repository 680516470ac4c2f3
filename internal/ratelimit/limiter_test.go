package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloom/taskloom-api/internal/kv"
	platformredis "github.com/taskloom/taskloom-api/internal/platform/redis"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// fixedClock lets tests move the limiter's notion of time forward without
// sleeping. The sliding-window script takes "now" as an argument, so a fake
// clock is all that is needed to exercise window expiry.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T) (*Limiter, *fixedClock) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(platformredis.NewStore(client), setupTestLogger())
	l.now = clock.Now
	return l, clock
}

func TestCheckAdmitsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	p := Policy{Limit: 5, Window: time.Minute}

	for i := 0; i < p.Limit; i++ {
		d := l.Check(ctx, "user:u1:abc", p)
		assert.True(t, d.Allowed, "request %d within the limit must be admitted", i+1)
		assert.Equal(t, p.Limit-(i+1), d.Remaining)
		assert.Equal(t, i+1, d.TotalHits)
	}
}

func TestCheckDeniesBeyondLimit(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()
	p := Policy{Limit: 3, Window: time.Minute}

	first := clock.Now()
	for i := 0; i < p.Limit; i++ {
		require.True(t, l.Check(ctx, "id", p).Allowed)
	}

	d := l.Check(ctx, "id", p)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, p.Limit, d.TotalHits)
	// The window resets when the oldest admitted event ages out.
	assert.Equal(t, first.Add(p.Window).UnixMilli(), d.ResetAt.UnixMilli())
}

func TestCheckAdmitsAgainAfterWindowElapsed(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()
	p := Policy{Limit: 2, Window: time.Minute}

	require.True(t, l.Check(ctx, "id", p).Allowed)
	require.True(t, l.Check(ctx, "id", p).Allowed)
	require.False(t, l.Check(ctx, "id", p).Allowed)

	clock.Advance(61 * time.Second)

	d := l.Check(ctx, "id", p)
	assert.True(t, d.Allowed, "a fresh window must admit again")
	assert.Equal(t, p.Limit-1, d.Remaining)
	assert.Equal(t, 1, d.TotalHits)
}

func TestCheckSlidesRatherThanResets(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()
	p := Policy{Limit: 2, Window: time.Minute}

	require.True(t, l.Check(ctx, "id", p).Allowed)
	clock.Advance(40 * time.Second)
	require.True(t, l.Check(ctx, "id", p).Allowed)

	// 50s after the first event: still inside both events' windows.
	clock.Advance(10 * time.Second)
	assert.False(t, l.Check(ctx, "id", p).Allowed)

	// 65s after the first event: the first event has aged out, the second
	// has not, so exactly one slot is free.
	clock.Advance(15 * time.Second)
	assert.True(t, l.Check(ctx, "id", p).Allowed)
	assert.False(t, l.Check(ctx, "id", p).Allowed)
}

func TestCheckIsolatesIdentifiers(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	p := Policy{Limit: 1, Window: time.Minute}

	require.True(t, l.Check(ctx, "user:a", p).Allowed)
	require.False(t, l.Check(ctx, "user:a", p).Allowed)
	assert.True(t, l.Check(ctx, "user:b", p).Allowed,
		"one identifier's exhaustion must not affect another")
}

func TestConcurrentChecksNeverOverAdmit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	p := Policy{Limit: 10, Window: time.Minute}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0

	for i := 0; i < 2*p.Limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "shared", p).Allowed {
				mu.Lock()
				total++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, p.Limit, total,
		"concurrent checks must admit exactly the limit, no more")
}

// erroringStore fails every operation with a configurable error, standing in
// for an unreachable remote store.
type erroringStore struct {
	err error
}

func (s *erroringStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, s.err
}

func (s *erroringStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.err
}

func (s *erroringStore) Delete(ctx context.Context, keys ...string) (int, error) {
	return 0, s.err
}

func (s *erroringStore) Exists(ctx context.Context, key string) (bool, error) {
	return false, s.err
}

func (s *erroringStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	return nil, s.err
}

func (s *erroringStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, s.err
}

func (s *erroringStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return nil, s.err
}

// garbageStore returns a malformed script reply.
type garbageStore struct {
	erroringStore
}

func (s *garbageStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return "not an array", nil
}

func TestCheckFallsBackToFixedWindowWhenStoreUnavailable(t *testing.T) {
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(&erroringStore{err: kv.ErrUnavailable}, setupTestLogger())
	l.now = clock.Now
	ctx := context.Background()
	p := Policy{Limit: 2, Window: time.Minute}

	require.True(t, l.Check(ctx, "id", p).Allowed)
	require.True(t, l.Check(ctx, "id", p).Allowed)
	assert.True(t, l.Degraded())
	assert.Equal(t, "fallback", l.Backend())

	d := l.Check(ctx, "id", p)
	assert.False(t, d.Allowed, "the fallback still enforces the limit")

	// Fixed windows reset wholesale at the boundary.
	clock.Advance(61 * time.Second)
	assert.True(t, l.Check(ctx, "id", p).Allowed)
}

func TestCheckFailsOpenOnUnexpectedError(t *testing.T) {
	l := NewLimiter(&erroringStore{err: context.DeadlineExceeded}, setupTestLogger())
	ctx := context.Background()
	p := Policy{Limit: 1, Window: time.Minute}

	for i := 0; i < 5; i++ {
		d := l.Check(ctx, "id", p)
		assert.True(t, d.Allowed, "unexpected errors must never block traffic")
	}
}

func TestCheckFailsOpenOnMalformedReply(t *testing.T) {
	l := NewLimiter(&garbageStore{}, setupTestLogger())
	p := Policy{Limit: 1, Window: time.Minute}

	d := l.Check(context.Background(), "id", p)
	assert.True(t, d.Allowed)
	assert.False(t, l.Degraded(), "fail-open is not degraded mode")
}

func TestBackendRecoversAfterOutage(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	p := Policy{Limit: 5, Window: time.Minute}

	// Simulate an outage, then restore the working store.
	healthy := l.store
	l.store = &erroringStore{err: kv.ErrUnavailable}
	l.Check(ctx, "id", p)
	require.Equal(t, "fallback", l.Backend())

	l.store = healthy
	l.Check(ctx, "id", p)
	assert.Equal(t, "primary", l.Backend())
	assert.False(t, l.Degraded())
}

func TestPolicyKeyPrefixSeparatesQuotas(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	strict := Policy{Limit: 1, Window: time.Minute, KeyPrefix: "rl:strict:"}
	lax := Policy{Limit: 10, Window: time.Minute, KeyPrefix: "rl:lax:"}

	require.True(t, l.Check(ctx, "id", strict).Allowed)
	require.False(t, l.Check(ctx, "id", strict).Allowed)
	assert.True(t, l.Check(ctx, "id", lax).Allowed,
		"the same identifier under another prefix has its own quota")
}
