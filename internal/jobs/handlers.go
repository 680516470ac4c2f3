package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskloom/taskloom-api/internal/store"
)

// Cache regions the handlers invalidate after mutating task records.
// Aggregate statistics and paginated listings are cached per owner under
// the tasks namespace.
const (
	tasksNamespace = "tasks"
)

func ownerStatsPattern(ownerID uuid.UUID) string {
	return fmt.Sprintf("stats:%s*", ownerID)
}

func ownerListPattern(ownerID uuid.UUID) string {
	return fmt.Sprintf("list:%s*", ownerID)
}

// ownerInvalidations names every cache region a mutated owner's records can
// appear under.
func ownerInvalidations(owners []uuid.UUID) []Invalidation {
	invs := make([]Invalidation, 0, len(owners)*2)
	for _, owner := range owners {
		invs = append(invs,
			Invalidation{Namespace: tasksNamespace, Pattern: ownerStatsPattern(owner)},
			Invalidation{Namespace: tasksNamespace, Pattern: ownerListPattern(owner)},
		)
	}
	return invs
}

// HandlersConfig tunes the eligibility cutoffs the handlers re-derive at
// execution time (the scheduler counted with the same cutoffs).
type HandlersConfig struct {
	// StaleAfter is the stats staleness cutoff.
	StaleAfter time.Duration

	// RetainCompleted is how long completed tasks are kept.
	RetainCompleted time.Duration
}

// Handlers executes the domain effect of each job kind. Every handler is
// idempotent under at-least-once delivery: effects write fixed values or
// derived aggregates, never increments, so re-execution converges.
type Handlers struct {
	records store.TaskRecordStore
	cfg     HandlersConfig
	logger  *slog.Logger

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewHandlers creates the handler set over the record store.
func NewHandlers(records store.TaskRecordStore, cfg HandlersConfig, logger *slog.Logger) *Handlers {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for Handlers")
	}
	return &Handlers{
		records: records,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "job_handlers")),
		now:     time.Now,
	}
}

// MarkOverdue processes one batch of past-due pending tasks. Items are
// marked independently so a failure on one record never aborts the rest of
// the batch; per-item outcomes are aggregated into the result.
func (h *Handlers) MarkOverdue(ctx context.Context, p BatchPayload) (Result, error) {
	now := h.now()
	offset := (p.BatchNumber - 1) * p.BatchSize

	batch, err := h.records.FindOverdueBatch(ctx, now, p.BatchSize, offset)
	if err != nil {
		// Batch dispatch itself failed: the job fails and may retry.
		return Result{}, fmt.Errorf("failed to load overdue batch %d/%d: %w",
			p.BatchNumber, p.TotalBatches, err)
	}

	result := Result{Success: true}
	owners := make(map[uuid.UUID]struct{})
	for _, record := range batch {
		result.ItemsProcessed++
		if _, err := h.records.MarkOverdue(ctx, []uuid.UUID{record.ID}); err != nil {
			result.ItemsFailed++
			result.Errors = append(result.Errors,
				fmt.Sprintf("task %s: %v", record.ID, err))
			continue
		}
		result.ItemsSucceeded++
		owners[record.OwnerID] = struct{}{}
	}

	result.Invalidations = ownerInvalidations(keysOf(owners))
	return result, nil
}

// RecomputeStats rebuilds aggregate statistics for one batch of owners
// whose stats have gone stale.
func (h *Handlers) RecomputeStats(ctx context.Context, p BatchPayload) (Result, error) {
	staleBefore := h.now().Add(-h.cfg.StaleAfter)
	offset := (p.BatchNumber - 1) * p.BatchSize

	owners, err := h.records.ListOwnersWithStaleStats(ctx, staleBefore, p.BatchSize, offset)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list stale-stats batch %d/%d: %w",
			p.BatchNumber, p.TotalBatches, err)
	}

	result := Result{Success: true}
	var refreshed []uuid.UUID
	for _, owner := range owners {
		result.ItemsProcessed++
		if err := h.records.RecomputeOwnerStats(ctx, owner); err != nil {
			result.ItemsFailed++
			result.Errors = append(result.Errors,
				fmt.Sprintf("owner %s: %v", owner, err))
			continue
		}
		result.ItemsSucceeded++
		refreshed = append(refreshed, owner)
	}

	result.Invalidations = ownerInvalidations(refreshed)
	return result, nil
}

// PurgeCompleted deletes one batch of completed tasks past retention.
func (h *Handlers) PurgeCompleted(ctx context.Context, p BatchPayload) (Result, error) {
	cutoff := h.now().Add(-h.cfg.RetainCompleted)

	// Deletion shrinks the eligible set, so every batch purges from the
	// front rather than using an offset that would skip survivors.
	purged, owners, err := h.records.PurgeCompletedBefore(ctx, cutoff, p.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("failed to purge completed batch %d/%d: %w",
			p.BatchNumber, p.TotalBatches, err)
	}

	return Result{
		Success:        true,
		ItemsProcessed: purged,
		ItemsSucceeded: purged,
		Invalidations:  ownerInvalidations(owners),
	}, nil
}

func keysOf(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
