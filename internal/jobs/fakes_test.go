package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskloom/taskloom-api/internal/store"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// fakeRecordStore is an in-memory store.TaskRecordStore with injectable
// failures, so scheduler and handler tests run without a database.
type fakeRecordStore struct {
	mu    sync.Mutex
	tasks []store.TaskRecord

	staleOwners []uuid.UUID
	recomputed  map[uuid.UUID]int

	// failMark makes MarkOverdue fail for specific task ids.
	failMark map[uuid.UUID]error

	// failRecompute makes RecomputeOwnerStats fail for specific owners.
	failRecompute map[uuid.UUID]error

	// findErr makes every batch read fail, simulating a database outage.
	findErr error

	// findCalls counts batch reads, so tests can assert execution counts.
	findCalls int
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		recomputed:    make(map[uuid.UUID]int),
		failMark:      make(map[uuid.UUID]error),
		failRecompute: make(map[uuid.UUID]error),
	}
}

func (f *fakeRecordStore) addTask(owner uuid.UUID, status string, dueAt time.Time, completedAt *time.Time) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.tasks = append(f.tasks, store.TaskRecord{
		ID: id, OwnerID: owner, Status: status, DueAt: dueAt, CompletedAt: completedAt,
	})
	return id
}

func (f *fakeRecordStore) taskStatus(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.ID == id {
			return t.Status
		}
	}
	return ""
}

func (f *fakeRecordStore) overdueEligible(now time.Time) []store.TaskRecord {
	var out []store.TaskRecord
	for _, t := range f.tasks {
		if t.Status == store.TaskStatusPending && t.DueAt.Before(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

func (f *fakeRecordStore) CountOverdue(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return 0, f.findErr
	}
	return len(f.overdueEligible(now)), nil
}

func (f *fakeRecordStore) FindOverdueBatch(ctx context.Context, now time.Time, limit, offset int) ([]store.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	eligible := f.overdueEligible(now)
	if offset >= len(eligible) {
		return nil, nil
	}
	end := offset + limit
	if end > len(eligible) {
		end = len(eligible)
	}
	return eligible[offset:end], nil
}

func (f *fakeRecordStore) MarkOverdue(ctx context.Context, ids []uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	updated := 0
	for _, id := range ids {
		if err, ok := f.failMark[id]; ok {
			return 0, err
		}
		for i := range f.tasks {
			if f.tasks[i].ID == id && f.tasks[i].Status == store.TaskStatusPending {
				f.tasks[i].Status = store.TaskStatusOverdue
				updated++
			}
		}
	}
	return updated, nil
}

func (f *fakeRecordStore) ListOwnersWithStaleStats(ctx context.Context, staleBefore time.Time, limit, offset int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if offset >= len(f.staleOwners) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.staleOwners) {
		end = len(f.staleOwners)
	}
	return f.staleOwners[offset:end], nil
}

func (f *fakeRecordStore) CountOwnersWithStaleStats(ctx context.Context, staleBefore time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return 0, f.findErr
	}
	return len(f.staleOwners), nil
}

func (f *fakeRecordStore) RecomputeOwnerStats(ctx context.Context, ownerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failRecompute[ownerID]; ok {
		return err
	}
	f.recomputed[ownerID]++
	return nil
}

func (f *fakeRecordStore) CountCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return 0, f.findErr
	}
	count := 0
	for _, t := range f.tasks {
		if t.Status == store.TaskStatusCompleted && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (f *fakeRecordStore) PurgeCompletedBefore(ctx context.Context, cutoff time.Time, limit int) (int, []uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return 0, nil, f.findErr
	}
	owners := make(map[uuid.UUID]struct{})
	purged := 0
	kept := f.tasks[:0]
	for _, t := range f.tasks {
		if purged < limit && t.Status == store.TaskStatusCompleted &&
			t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			purged++
			owners[t.OwnerID] = struct{}{}
			continue
		}
		kept = append(kept, t)
	}
	f.tasks = kept

	distinct := make([]uuid.UUID, 0, len(owners))
	for owner := range owners {
		distinct = append(distinct, owner)
	}
	return purged, distinct, nil
}

// enqueuedJob captures one Enqueue call on the fake queue.
type enqueuedJob struct {
	kind    Kind
	payload BatchPayload
	opts    EnqueueOptions
}

// fakeQueue records enqueues and lets tests fail specific batches.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []enqueuedJob

	// failBatches makes Enqueue fail for the given 1-based batch numbers.
	failBatches map[int]error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{failBatches: make(map[int]error)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, kind Kind, payload BatchPayload, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err, ok := q.failBatches[payload.BatchNumber]; ok {
		return "", err
	}
	q.enqueued = append(q.enqueued, enqueuedJob{kind: kind, payload: payload, opts: opts})
	return fmt.Sprintf("job-%d", len(q.enqueued)), nil
}

func (q *fakeQueue) jobs() []enqueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]enqueuedJob, len(q.enqueued))
	copy(out, q.enqueued)
	return out
}

func (q *fakeQueue) Dequeue(ctx context.Context, leaseTTL time.Duration) (*Job, error) {
	return nil, ErrEmpty
}

func (q *fakeQueue) Ack(ctx context.Context, jobID string) error { return nil }

func (q *fakeQueue) Retry(ctx context.Context, job *Job, delay time.Duration) error { return nil }

func (q *fakeQueue) Fail(ctx context.Context, job *Job, reason string) error { return nil }

func (q *fakeQueue) PromoteDue(ctx context.Context) (int, error) { return 0, nil }

func (q *fakeQueue) ReapExpired(ctx context.Context) (int, error) { return 0, nil }

func (q *fakeQueue) Counts(ctx context.Context) (Counts, error) { return Counts{}, nil }

func (q *fakeQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	return nil, nil
}

// fakeLocker grants or denies the distributed lock and records activity.
type fakeLocker struct {
	mu       sync.Mutex
	deny     bool
	err      error
	locked   []string
	unlocked []string
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.deny {
		return false, nil
	}
	l.locked = append(l.locked, key)
	return true, nil
}

func (l *fakeLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocked = append(l.unlocked, key)
	return nil
}

// fakeInvalidator records the cache regions the worker invalidated.
type fakeInvalidator struct {
	mu    sync.Mutex
	calls []Invalidation
	err   error
}

func (f *fakeInvalidator) InvalidatePattern(ctx context.Context, pattern, namespace string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.calls = append(f.calls, Invalidation{Namespace: namespace, Pattern: pattern})
	return 1, nil
}

func (f *fakeInvalidator) invalidations() []Invalidation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Invalidation, len(f.calls))
	copy(out, f.calls)
	return out
}
