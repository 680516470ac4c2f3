// Package middleware provides the HTTP middleware of the resilience layer.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/taskloom/taskloom-api/internal/api/shared"
	"github.com/taskloom/taskloom-api/internal/ratelimit"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// PrincipalIDContextKey is where the authentication layer (an external
// collaborator) stores the authenticated principal id, when present.
const PrincipalIDContextKey contextKey = "principal_id"

// PrincipalIDFromContext returns the authenticated principal id, or "" for
// anonymous requests.
func PrincipalIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(PrincipalIDContextKey).(string); ok {
		return id
	}
	return ""
}

// RateLimitMiddleware is the request-admission gate: it derives a quota
// identifier for each request, consults the limiter, and denies the request
// with 429 before it reaches business logic when the quota is exhausted.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	policy  ratelimit.Policy
	logger  *slog.Logger
}

// NewRateLimitMiddleware creates the admission gate with the given default
// policy.
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, policy ratelimit.Policy, logger *slog.Logger) *RateLimitMiddleware {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for RateLimitMiddleware")
	}
	return &RateLimitMiddleware{
		limiter: limiter,
		policy:  policy,
		logger:  logger.With(slog.String("component", "ratelimit_middleware")),
	}
}

// Handle wraps next with the admission check. Denials carry a
// machine-readable Retry-After along with the standard X-RateLimit headers;
// every other failure mode inside the limiter fails open, so this
// middleware never rejects traffic because infrastructure is down.
func (m *RateLimitMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier := ratelimit.Identifier(
			PrincipalIDFromContext(r.Context()),
			r.RemoteAddr,
			r.Method+" "+r.URL.Path,
		)

		decision := m.limiter.Check(r.Context(), identifier, m.policy)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int(math.Ceil(time.Until(decision.ResetAt).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			m.logger.Warn("rate limit exceeded",
				slog.String("identifier", identifier),
				slog.Int("total_hits", decision.TotalHits),
				slog.Int("retry_after_seconds", retryAfter))
			shared.RespondWithError(w, r, http.StatusTooManyRequests,
				"too many requests, retry later")
			return
		}

		next.ServeHTTP(w, r)
	})
}
