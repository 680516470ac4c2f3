package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskloom/taskloom-api/internal/api/shared"
	"github.com/taskloom/taskloom-api/internal/jobs"
	"github.com/taskloom/taskloom-api/internal/platform/logger"
)

// TriggerRequest is the optional body of a manual job trigger.
type TriggerRequest struct {
	// BatchSize overrides the configured batch size when positive.
	BatchSize int `json:"batch_size,omitempty"`
}

// TriggerResponse reports the outcome of a manual scheduling pass.
type TriggerResponse struct {
	JobIDs []string `json:"job_ids"`
	Status string   `json:"status"`
}

// DeadLettersResponse lists dead-lettered jobs for inspection.
type DeadLettersResponse struct {
	Entries []jobs.DeadLetterEntry `json:"entries"`
}

// JobsHandler exposes the operator surface of the job pipeline: manual
// scheduling triggers and dead-letter inspection.
type JobsHandler struct {
	scheduler  *jobs.Scheduler
	deadLetter *jobs.DeadLetterHandler
	logger     *slog.Logger
}

// NewJobsHandler creates a JobsHandler.
func NewJobsHandler(scheduler *jobs.Scheduler, deadLetter *jobs.DeadLetterHandler, logger *slog.Logger) *JobsHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for JobsHandler")
	}
	return &JobsHandler{
		scheduler:  scheduler,
		deadLetter: deadLetter,
		logger:     logger.With(slog.String("component", "jobs_handler")),
	}
}

// Trigger handles POST /api/admin/jobs/{kind} requests: it runs one
// scheduling pass for the kind immediately, with an optional batch-size
// override, and reports the enqueued job ids.
func (h *JobsHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	kind, err := jobs.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BatchSize < 0 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "batch_size must be positive")
		return
	}

	log := logger.FromContextOrDefault(r.Context(), h.logger)
	log.Info("manual scheduling pass requested",
		slog.String("kind", string(kind)),
		slog.Int("batch_size_override", req.BatchSize))

	ids, status, err := h.scheduler.RunPass(r.Context(), kind, req.BatchSize)
	if err != nil {
		log.Error("manual scheduling pass failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "scheduling pass failed")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, TriggerResponse{
		JobIDs: ids,
		Status: status,
	})
}

// DeadLetters handles GET /api/admin/jobs/dead-letters requests.
func (h *JobsHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deadLetter.List(r.Context(), 100)
	if err != nil {
		logger.FromContextOrDefault(r.Context(), h.logger).
			Error("failed to list dead letters", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if entries == nil {
		entries = []jobs.DeadLetterEntry{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, DeadLettersResponse{Entries: entries})
}
