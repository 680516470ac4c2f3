// Package store defines the contracts this layer consumes from the entity
// persistence layer. Only the record-lookup surface the scheduler and job
// handlers need is specified here; entity CRUD lives elsewhere.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskRecord is the minimal projection of a task row the job handlers work
// with. The full entity model is owned by the persistence layer.
type TaskRecord struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Status      string
	DueAt       time.Time
	CompletedAt *time.Time
}

// Task status values the handlers read and write.
const (
	TaskStatusPending   = "pending"
	TaskStatusOverdue   = "overdue"
	TaskStatusCompleted = "completed"
)

// TaskRecordStore is the record-lookup interface consumed from the
// persistence layer: counting eligible records, fetching bounded batches in
// due order, and applying bulk effects. All batch reads order by due date
// ascending so batch N is stable with respect to batch N+1.
type TaskRecordStore interface {
	// CountOverdue returns how many pending tasks have a due date in the
	// past as of now.
	CountOverdue(ctx context.Context, now time.Time) (int, error)

	// FindOverdueBatch returns one batch of overdue pending tasks.
	FindOverdueBatch(ctx context.Context, now time.Time, limit, offset int) ([]TaskRecord, error)

	// MarkOverdue transitions the given tasks to the overdue status.
	// Re-applying it to an already-overdue task is a no-op.
	MarkOverdue(ctx context.Context, ids []uuid.UUID) (int, error)

	// ListOwnersWithStaleStats returns owners whose aggregate statistics
	// are older than the staleness cutoff, bounded by limit/offset.
	ListOwnersWithStaleStats(ctx context.Context, staleBefore time.Time, limit, offset int) ([]uuid.UUID, error)

	// CountOwnersWithStaleStats counts the owners ListOwnersWithStaleStats
	// would enumerate.
	CountOwnersWithStaleStats(ctx context.Context, staleBefore time.Time) (int, error)

	// RecomputeOwnerStats rebuilds one owner's aggregate statistics from
	// the task rows. Idempotent: it writes derived values, not deltas.
	RecomputeOwnerStats(ctx context.Context, ownerID uuid.UUID) error

	// CountCompletedBefore counts completed tasks finished before cutoff.
	CountCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// PurgeCompletedBefore deletes up to limit completed tasks finished
	// before cutoff, returning how many rows were deleted and the owners
	// whose caches are now stale.
	PurgeCompletedBefore(ctx context.Context, cutoff time.Time, limit int) (int, []uuid.UUID, error)
}
