package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskloom/taskloom-api/internal/store"
)

// Locker is the distributed lock the scheduler uses to keep one scheduling
// pass per kind across all instances. The in-process guard alone only
// covers one process; cross-instance coordination must go through the
// shared store.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// SchedulerConfig tunes the scheduling passes.
type SchedulerConfig struct {
	// BatchSize is how many records one batch job covers.
	BatchSize int

	// Stagger is the delay step between consecutive batches of one pass,
	// so the worker tier is not saturated instantaneously.
	Stagger time.Duration

	// MaxAttempts is applied to every enqueued job.
	MaxAttempts int

	// Cadences per job kind.
	OverdueEvery    time.Duration
	StaleStatsEvery time.Duration
	CleanupEvery    time.Duration

	// RetainCompleted is how long completed tasks are kept before the
	// cleanup pass purges them.
	RetainCompleted time.Duration

	// TickInterval is the coordination loop granularity. Zero defaults
	// to 30 seconds.
	TickInterval time.Duration

	// LockTTL bounds how long a pass may hold the distributed lock.
	// Zero defaults to one minute.
	LockTTL time.Duration
}

// scheduleEntry is one (cadence, kind) pair in the coordination loop.
type scheduleEntry struct {
	kind    Kind
	every   time.Duration
	nextRun time.Time
}

// Scheduler discovers time-eligible records and fans them out into a
// bounded number of staggered batch jobs. One coordination loop owns all
// cadences, so re-entrancy state is explicit rather than hidden in timers.
type Scheduler struct {
	queue   Queue
	records store.TaskRecordStore
	locker  Locker
	logger  *slog.Logger
	cfg     SchedulerConfig

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time

	// guards holds the per-kind in-process re-entrancy flags: a pass that
	// finds the previous one still in flight skips itself.
	guards map[Kind]*atomic.Bool

	entries []scheduleEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over the queue, record store and
// distributed locker.
func NewScheduler(
	queue Queue,
	records store.TaskRecordStore,
	locker Locker,
	cfg SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for Scheduler")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = time.Minute
	}

	guards := make(map[Kind]*atomic.Bool, len(Kinds()))
	for _, kind := range Kinds() {
		guards[kind] = &atomic.Bool{}
	}

	return &Scheduler{
		queue:   queue,
		records: records,
		locker:  locker,
		logger:  logger.With(slog.String("component", "scheduler")),
		cfg:     cfg,
		now:     time.Now,
		guards:  guards,
		entries: []scheduleEntry{
			{kind: KindMarkOverdue, every: cfg.OverdueEvery},
			{kind: KindRecomputeStats, every: cfg.StaleStatsEvery},
			{kind: KindPurgeCompleted, every: cfg.CleanupEvery},
		},
	}
}

// Start launches the coordination loop. The first pass for each kind runs
// one full cadence after start, not immediately.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	now := s.now()
	for i := range s.entries {
		s.entries[i].nextRun = now.Add(s.entries[i].every)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()

	s.logger.Info("scheduler started",
		slog.Duration("overdue_every", s.cfg.OverdueEvery),
		slog.Duration("stale_stats_every", s.cfg.StaleStatsEvery),
		slog.Duration("cleanup_every", s.cfg.CleanupEvery))
}

// Stop halts the coordination loop, waiting for in-flight passes to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
}

// runDue fires every entry whose cadence has elapsed. Passes run
// concurrently so one slow pass does not delay the others; the per-kind
// guard prevents overlap within a kind.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()
	for i := range s.entries {
		entry := &s.entries[i]
		if now.Before(entry.nextRun) {
			continue
		}
		entry.nextRun = now.Add(entry.every)

		kind := entry.kind
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, _, err := s.RunPass(ctx, kind, 0); err != nil {
				s.logger.Error("scheduling pass failed",
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// RunPass executes one scheduling pass for kind: count eligible records,
// split them into batches, and enqueue one staggered job per batch.
// batchSizeOverride replaces the configured batch size when positive (the
// operator trigger uses it). Returns the enqueued job ids and a
// human-readable status.
func (s *Scheduler) RunPass(ctx context.Context, kind Kind, batchSizeOverride int) ([]string, string, error) {
	guard := s.guards[kind]
	if !guard.CompareAndSwap(false, true) {
		s.logger.Info("skipping scheduling pass, previous pass still in flight",
			slog.String("kind", string(kind)))
		return nil, "skipped: previous pass still in flight", nil
	}
	defer guard.Store(false)

	lockKey := "jobs:sched:lock:" + string(kind)
	acquired, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to acquire scheduling lock for %s: %w", kind, err)
	}
	if !acquired {
		s.logger.Info("skipping scheduling pass, another instance holds the lock",
			slog.String("kind", string(kind)))
		return nil, "skipped: another instance is scheduling", nil
	}
	defer func() {
		if err := s.locker.Unlock(ctx, lockKey); err != nil {
			s.logger.Warn("failed to release scheduling lock",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
		}
	}()

	batchSize := s.cfg.BatchSize
	if batchSizeOverride > 0 {
		batchSize = batchSizeOverride
	}

	total, err := s.countEligible(ctx, kind)
	if err != nil {
		return nil, "", fmt.Errorf("failed to count eligible records for %s: %w", kind, err)
	}
	if total == 0 {
		return nil, "no eligible records", nil
	}

	totalBatches := (total + batchSize - 1) / batchSize
	ids := make([]string, 0, totalBatches)
	enqueueFailures := 0
	for batch := 0; batch < totalBatches; batch++ {
		payload := BatchPayload{
			BatchNumber:  batch + 1,
			TotalBatches: totalBatches,
			BatchSize:    batchSize,
		}
		id, err := s.queue.Enqueue(ctx, kind, payload, EnqueueOptions{
			Delay:       time.Duration(batch) * s.cfg.Stagger,
			MaxAttempts: s.cfg.MaxAttempts,
		})
		if err != nil {
			// One failed batch must not abort the remaining batches.
			enqueueFailures++
			s.logger.Error("failed to enqueue batch job",
				slog.String("kind", string(kind)),
				slog.Int("batch", batch+1),
				slog.Int("total_batches", totalBatches),
				slog.String("error", err.Error()))
			continue
		}
		ids = append(ids, id)
	}

	status := fmt.Sprintf("enqueued %d/%d batches for %d records", len(ids), totalBatches, total)
	s.logger.Info("scheduling pass complete",
		slog.String("kind", string(kind)),
		slog.Int("eligible", total),
		slog.Int("batches", totalBatches),
		slog.Int("enqueue_failures", enqueueFailures))
	return ids, status, nil
}

// countEligible returns how many records a pass for kind would cover.
// The switch is exhaustive over Kind.
func (s *Scheduler) countEligible(ctx context.Context, kind Kind) (int, error) {
	now := s.now()
	switch kind {
	case KindMarkOverdue:
		return s.records.CountOverdue(ctx, now)
	case KindRecomputeStats:
		return s.records.CountOwnersWithStaleStats(ctx, now.Add(-s.cfg.StaleStatsEvery))
	case KindPurgeCompleted:
		return s.records.CountCompletedBefore(ctx, now.Add(-s.cfg.RetainCompleted))
	default:
		return 0, fmt.Errorf("unknown job kind %q", kind)
	}
}
