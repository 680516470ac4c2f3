package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	platformredis "github.com/taskloom/taskloom-api/internal/platform/redis"
	"github.com/taskloom/taskloom-api/internal/ratelimit"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestGate(t *testing.T, policy ratelimit.Policy) *RateLimitMiddleware {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := ratelimit.NewLimiter(platformredis.NewStore(client), setupTestLogger())
	return NewRateLimitMiddleware(limiter, policy, setupTestLogger())
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHandleAdmitsWithinLimit(t *testing.T) {
	gate := newTestGate(t, ratelimit.Policy{Limit: 3, Window: time.Minute})
	wrapped := gate.Handle(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		req.RemoteAddr = "203.0.113.9:51432"
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(3-(i+1)), rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}
}

func TestHandleDeniesWith429AndRetryAfter(t *testing.T) {
	gate := newTestGate(t, ratelimit.Policy{Limit: 1, Window: time.Minute})
	wrapped := gate.Handle(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.RemoteAddr = "203.0.113.9:51432"
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.RemoteAddr = "203.0.113.9:51432"
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 60)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, rec.Body.String(), "too many requests")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHandleKeysQuotaByPrincipalWhenAuthenticated(t *testing.T) {
	gate := newTestGate(t, ratelimit.Policy{Limit: 1, Window: time.Minute})
	wrapped := gate.Handle(okHandler())

	asPrincipal := func(id string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		req.RemoteAddr = "203.0.113.9:51432"
		return req.WithContext(context.WithValue(req.Context(), PrincipalIDContextKey, id))
	}

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, asPrincipal("u1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, asPrincipal("u1"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Same address, different principal: independent quota.
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, asPrincipal("u2"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSeparatesQuotaPerRoute(t *testing.T) {
	gate := newTestGate(t, ratelimit.Policy{Limit: 1, Window: time.Minute})
	wrapped := gate.Handle(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.RemoteAddr = "203.0.113.9:51432"
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	other := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	other.RemoteAddr = "203.0.113.9:51432"
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code, "another route has its own quota")
}

func TestPrincipalIDFromContext(t *testing.T) {
	assert.Equal(t, "", PrincipalIDFromContext(context.Background()))

	ctx := context.WithValue(context.Background(), PrincipalIDContextKey, "u1")
	assert.Equal(t, "u1", PrincipalIDFromContext(ctx))
}
