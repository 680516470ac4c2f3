// Package postgres provides the pgx-backed implementation of the record
// lookup contracts in internal/store.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskloom/taskloom-api/internal/store"
)

// TaskRecordStore implements store.TaskRecordStore using PostgreSQL.
type TaskRecordStore struct {
	db *pgxpool.Pool
}

// NewTaskRecordStore creates a TaskRecordStore over the given pool.
func NewTaskRecordStore(db *pgxpool.Pool) *TaskRecordStore {
	if db == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("db pool cannot be nil for TaskRecordStore")
	}
	return &TaskRecordStore{db: db}
}

// CountOverdue returns how many pending tasks are past due as of now.
func (s *TaskRecordStore) CountOverdue(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = $1 AND due_at < $2`,
		store.TaskStatusPending, now,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count overdue tasks: %w", err)
	}
	return count, nil
}

// FindOverdueBatch returns one batch of overdue pending tasks ordered by
// due date ascending, so batches are stable across a scheduling pass.
func (s *TaskRecordStore) FindOverdueBatch(
	ctx context.Context,
	now time.Time,
	limit, offset int,
) ([]store.TaskRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, owner_id, status, due_at, completed_at
		   FROM tasks
		  WHERE status = $1 AND due_at < $2
		  ORDER BY due_at ASC
		  LIMIT $3 OFFSET $4`,
		store.TaskStatusPending, now, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue tasks: %w", err)
	}
	defer rows.Close()

	var records []store.TaskRecord
	for rows.Next() {
		var r store.TaskRecord
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Status, &r.DueAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task records: %w", err)
	}
	return records, nil
}

// MarkOverdue transitions the given tasks to the overdue status. The status
// is written as a fixed value, so re-running the update is harmless.
func (s *TaskRecordStore) MarkOverdue(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = NOW() WHERE id = ANY($2)`,
		store.TaskStatusOverdue, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark tasks overdue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountOwnersWithStaleStats counts owners whose stats row is older than the
// staleness cutoff.
func (s *TaskRecordStore) CountOwnersWithStaleStats(ctx context.Context, staleBefore time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM owner_task_stats WHERE computed_at < $1`,
		staleBefore,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale owner stats: %w", err)
	}
	return count, nil
}

// ListOwnersWithStaleStats returns one batch of owners with stale stats.
func (s *TaskRecordStore) ListOwnersWithStaleStats(
	ctx context.Context,
	staleBefore time.Time,
	limit, offset int,
) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT owner_id FROM owner_task_stats
		  WHERE computed_at < $1
		  ORDER BY computed_at ASC
		  LIMIT $2 OFFSET $3`,
		staleBefore, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale owner stats: %w", err)
	}
	defer rows.Close()

	var owners []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan owner id: %w", err)
		}
		owners = append(owners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate owner ids: %w", err)
	}
	return owners, nil
}

// RecomputeOwnerStats rebuilds one owner's aggregates from the task rows.
// The upsert writes absolute values derived from the current rows, never
// increments, so re-execution converges on the same result.
func (s *TaskRecordStore) RecomputeOwnerStats(ctx context.Context, ownerID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO owner_task_stats (owner_id, total, pending, overdue, completed, computed_at)
		 SELECT $1,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE status = $2),
		        COUNT(*) FILTER (WHERE status = $3),
		        COUNT(*) FILTER (WHERE status = $4),
		        NOW()
		   FROM tasks WHERE owner_id = $1
		 ON CONFLICT (owner_id) DO UPDATE SET
		        total = EXCLUDED.total,
		        pending = EXCLUDED.pending,
		        overdue = EXCLUDED.overdue,
		        completed = EXCLUDED.completed,
		        computed_at = EXCLUDED.computed_at`,
		ownerID,
		store.TaskStatusPending, store.TaskStatusOverdue, store.TaskStatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to recompute stats for owner %s: %w", ownerID, err)
	}
	return nil
}

// CountCompletedBefore counts completed tasks finished before cutoff.
func (s *TaskRecordStore) CountCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = $1 AND completed_at < $2`,
		store.TaskStatusCompleted, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count purgeable tasks: %w", err)
	}
	return count, nil
}

// PurgeCompletedBefore deletes up to limit old completed tasks, returning
// the row count and the distinct owners affected so their cached aggregates
// can be dropped.
func (s *TaskRecordStore) PurgeCompletedBefore(
	ctx context.Context,
	cutoff time.Time,
	limit int,
) (int, []uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`DELETE FROM tasks
		  WHERE id IN (
		        SELECT id FROM tasks
		         WHERE status = $1 AND completed_at < $2
		         ORDER BY completed_at ASC
		         LIMIT $3)
		 RETURNING owner_id`,
		store.TaskStatusCompleted, cutoff, limit,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to purge completed tasks: %w", err)
	}
	defer rows.Close()

	purged := 0
	seen := make(map[uuid.UUID]struct{})
	var owners []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, nil, fmt.Errorf("failed to scan purged owner id: %w", err)
		}
		purged++
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			owners = append(owners, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("failed to iterate purged owners: %w", err)
	}
	return purged, owners, nil
}
