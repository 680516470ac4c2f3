package jobs

import (
	"context"
	"fmt"
	"log/slog"
)

// DeadLetterHandler is the terminal sink for jobs that exhausted their
// retry budget. Entries are preserved for offline inspection instead of
// being discarded.
type DeadLetterHandler struct {
	queue  Queue
	logger *slog.Logger
}

// NewDeadLetterHandler creates a handler over the given queue.
func NewDeadLetterHandler(queue Queue, logger *slog.Logger) *DeadLetterHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for DeadLetterHandler")
	}
	return &DeadLetterHandler{
		queue:  queue,
		logger: logger.With(slog.String("component", "dead_letter")),
	}
}

// Handle records a permanently failed job. The queue moves the job into the
// sink atomically, so the entry appears exactly once even if the worker
// crashes right after.
func (h *DeadLetterHandler) Handle(ctx context.Context, job *Job, execErr error) error {
	reason := "unknown failure"
	if execErr != nil {
		reason = execErr.Error()
	}

	h.logger.Error("job exhausted retries, dead-lettering",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempts", job.Attempt+1),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.String("reason", reason))

	if err := h.queue.Fail(ctx, job, reason); err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// List returns up to limit dead-lettered jobs for inspection, newest first.
func (h *DeadLetterHandler) List(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	return h.queue.DeadLetters(ctx, limit)
}
