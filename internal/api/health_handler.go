// Package api provides HTTP handlers for the diagnostics and operator
// surface of the resilience layer.
package api

import (
	"log/slog"
	"net/http"

	"github.com/taskloom/taskloom-api/internal/api/shared"
	"github.com/taskloom/taskloom-api/internal/cache"
	"github.com/taskloom/taskloom-api/internal/jobs"
	"github.com/taskloom/taskloom-api/internal/platform/logger"
	"github.com/taskloom/taskloom-api/internal/ratelimit"
)

// HealthResponse reports the operational state of the resilience layer.
type HealthResponse struct {
	Status string `json:"status"`

	Cache struct {
		Stats     cache.Snapshot `json:"stats"`
		HitRate   float64        `json:"hit_rate"`
		ErrorRate float64        `json:"error_rate"`
		Degraded  bool           `json:"degraded"`
	} `json:"cache"`

	RateLimiter struct {
		Backend string `json:"backend"`
	} `json:"rate_limiter"`

	Jobs jobs.Counts `json:"jobs"`
}

// HealthHandler serves the health/diagnostics endpoint.
type HealthHandler struct {
	cache   *cache.Service
	limiter *ratelimit.Limiter
	queue   jobs.Queue
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(
	cacheService *cache.Service,
	limiter *ratelimit.Limiter,
	queue jobs.Queue,
	logger *slog.Logger,
) *HealthHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for HealthHandler")
	}
	return &HealthHandler{
		cache:   cacheService,
		limiter: limiter,
		queue:   queue,
		logger:  logger.With(slog.String("component", "health_handler")),
	}
}

// Health handles GET /health requests. Queue counts are best effort: if the
// queue itself is unreachable the response still serves cache and limiter
// state, with status marked degraded.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	var resp HealthResponse
	resp.Status = "ok"

	stats := h.cache.Stats()
	resp.Cache.Stats = stats
	resp.Cache.HitRate = stats.HitRate()
	resp.Cache.ErrorRate = stats.ErrorRate()
	resp.Cache.Degraded = h.cache.Degraded()

	resp.RateLimiter.Backend = h.limiter.Backend()

	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		logger.FromContextOrDefault(r.Context(), h.logger).
			Warn("failed to read queue counts", slog.String("error", err.Error()))
		resp.Status = "degraded"
	} else {
		resp.Jobs = counts
	}
	if resp.Cache.Degraded || h.limiter.Degraded() {
		resp.Status = "degraded"
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
