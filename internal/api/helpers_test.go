package api

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/taskloom/taskloom-api/internal/jobs"
	platformredis "github.com/taskloom/taskloom-api/internal/platform/redis"
	"github.com/taskloom/taskloom-api/internal/store"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// stubRecordStore reports a fixed number of eligible records for every job
// kind; handler tests only exercise the HTTP surface, not the batch logic.
type stubRecordStore struct {
	eligible int
}

func (s *stubRecordStore) CountOverdue(ctx context.Context, now time.Time) (int, error) {
	return s.eligible, nil
}

func (s *stubRecordStore) FindOverdueBatch(ctx context.Context, now time.Time, limit, offset int) ([]store.TaskRecord, error) {
	return nil, nil
}

func (s *stubRecordStore) MarkOverdue(ctx context.Context, ids []uuid.UUID) (int, error) {
	return len(ids), nil
}

func (s *stubRecordStore) ListOwnersWithStaleStats(ctx context.Context, staleBefore time.Time, limit, offset int) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *stubRecordStore) CountOwnersWithStaleStats(ctx context.Context, staleBefore time.Time) (int, error) {
	return s.eligible, nil
}

func (s *stubRecordStore) RecomputeOwnerStats(ctx context.Context, ownerID uuid.UUID) error {
	return nil
}

func (s *stubRecordStore) CountCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.eligible, nil
}

func (s *stubRecordStore) PurgeCompletedBefore(ctx context.Context, cutoff time.Time, limit int) (int, []uuid.UUID, error) {
	return 0, nil, nil
}

// testBackend wires a real queue, scheduler and locker over miniredis.
type testBackend struct {
	server  *miniredis.Miniredis
	client  *goredis.Client
	queue   *jobs.RedisQueue
	records *stubRecordStore
}

func newTestBackend(t *testing.T, eligible int) (*testBackend, *jobs.Scheduler, *jobs.DeadLetterHandler) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queue := jobs.NewRedisQueue(client)
	records := &stubRecordStore{eligible: eligible}
	locker := platformredis.NewLock(client)
	logger := setupTestLogger()

	scheduler := jobs.NewScheduler(queue, records, locker, jobs.SchedulerConfig{
		BatchSize: 100,
		Stagger:   time.Second,
	}, logger)
	deadLetter := jobs.NewDeadLetterHandler(queue, logger)

	return &testBackend{
		server:  srv,
		client:  client,
		queue:   queue,
		records: records,
	}, scheduler, deadLetter
}
