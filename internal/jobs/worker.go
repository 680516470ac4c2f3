package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CacheInvalidator is the slice of the cache service the worker needs to
// drop stale entries after a job commits its effect.
type CacheInvalidator interface {
	InvalidatePattern(ctx context.Context, pattern, namespace string) (int, error)
}

// WorkerConfig tunes the consumer tier.
type WorkerConfig struct {
	// WorkerCount is the number of concurrent consumers.
	WorkerCount int

	// RatePerSecond caps how many jobs per second the whole worker
	// admits, so queue drain speed is bounded independently of producer
	// burstiness.
	RatePerSecond float64

	// LeaseTTL is how long a dequeued job stays leased before the reaper
	// treats it as abandoned.
	LeaseTTL time.Duration

	// BackoffBase is the exponential retry base delay.
	BackoffBase time.Duration

	// PollInterval is how long an idle consumer sleeps when the queue is
	// empty. Zero defaults to 500ms.
	PollInterval time.Duration

	// MaintenanceInterval is how often delayed jobs are promoted and
	// expired leases reaped. Zero defaults to 5 seconds.
	MaintenanceInterval time.Duration
}

// Worker is the long-running consumer tier: it leases jobs, dispatches by
// kind, reports retry/failure outcomes back to the queue, and drops the
// cache entries a successful execution made stale.
type Worker struct {
	queue      Queue
	handlers   *Handlers
	cache      CacheInvalidator
	deadLetter *DeadLetterHandler
	logger     *slog.Logger
	cfg        WorkerConfig

	// limiter paces dequeues across all consumers.
	limiter *rate.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker over the queue and handler set.
func NewWorker(
	queue Queue,
	handlers *Handlers,
	cache CacheInvalidator,
	deadLetter *DeadLetterHandler,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for Worker")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaintenanceInterval == 0 {
		cfg.MaintenanceInterval = 5 * time.Second
	}

	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Worker{
		queue:      queue,
		handlers:   handlers,
		cache:      cache,
		deadLetter: deadLetter,
		logger:     logger.With(slog.String("component", "job_worker")),
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
	}
}

// Start launches the consumer goroutines and the maintenance loop.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	for i := 0; i < w.cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.consume(ctx, i)
	}

	w.wg.Add(1)
	go w.maintain(ctx)

	w.logger.Info("worker started",
		slog.Int("consumers", w.cfg.WorkerCount),
		slog.Float64("rate_per_second", w.cfg.RatePerSecond))
}

// Stop halts all consumers, waiting for in-flight jobs to finish. A job
// interrupted mid-execution keeps its lease; the reaper re-readies it after
// the lease expires.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
	}
}

// consume is one consumer loop: pace, lease, execute, resolve.
func (w *Worker) consume(ctx context.Context, id int) {
	defer w.wg.Done()

	logger := w.logger.With(slog.Int("consumer", id))
	logger.Debug("consumer started")

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			logger.Debug("consumer stopping")
			return
		}

		job, err := w.queue.Dequeue(ctx, w.cfg.LeaseTTL)
		if errors.Is(err, ErrEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			logger.Error("failed to dequeue job", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		w.process(ctx, job, logger)
	}
}

// maintain promotes due delayed jobs and reaps expired leases on a fixed
// interval.
func (w *Worker) maintain(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx); err != nil {
				w.logger.Error("failed to promote delayed jobs", slog.String("error", err.Error()))
			}
			reaped, err := w.queue.ReapExpired(ctx)
			if err != nil {
				w.logger.Error("failed to reap expired leases", slog.String("error", err.Error()))
			} else if reaped > 0 {
				w.logger.Warn("re-readied abandoned jobs", slog.Int("count", reaped))
			}
		}
	}
}

// process executes one leased job and resolves its lease: ack on success,
// backoff retry while attempts remain, dead-letter once they are exhausted.
func (w *Worker) process(ctx context.Context, job *Job, logger *slog.Logger) {
	logger = logger.With(
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempt", job.Attempt+1),
		slog.Int("max_attempts", job.MaxAttempts))

	start := time.Now()
	result, err := w.dispatch(ctx, job)
	result.JobID = job.ID
	result.Duration = time.Since(start)

	if err != nil {
		result.Success = false
		if job.Attempt+1 < job.MaxAttempts {
			delay := Backoff(w.cfg.BackoffBase, job.Attempt)
			logger.Warn("job failed, scheduling retry",
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
			if rerr := w.queue.Retry(ctx, job, delay); rerr != nil {
				// The lease stays put; the reaper will re-ready the job.
				logger.Error("failed to schedule retry", slog.String("error", rerr.Error()))
			}
			return
		}
		if derr := w.deadLetter.Handle(ctx, job, err); derr != nil {
			logger.Error("failed to dead-letter job", slog.String("error", derr.Error()))
		}
		return
	}

	result.Success = true
	if aerr := w.queue.Ack(ctx, job.ID); aerr != nil {
		// Execution committed; a lost ack means one idempotent re-run.
		logger.Error("failed to ack job", slog.String("error", aerr.Error()))
	}

	w.invalidate(ctx, result.Invalidations, logger)

	logger.Info("job completed",
		slog.Duration("duration", result.Duration),
		slog.Int("items_processed", result.ItemsProcessed),
		slog.Int("items_succeeded", result.ItemsSucceeded),
		slog.Int("items_failed", result.ItemsFailed))
}

// dispatch routes the job to its handler. The switch is exhaustive over
// Kind; an unknown kind is a permanent failure, not a retryable one, and
// falls straight through to the retry/dead-letter path.
func (w *Worker) dispatch(ctx context.Context, job *Job) (Result, error) {
	switch job.Kind {
	case KindMarkOverdue:
		return w.handlers.MarkOverdue(ctx, job.Payload)
	case KindRecomputeStats:
		return w.handlers.RecomputeStats(ctx, job.Payload)
	case KindPurgeCompleted:
		return w.handlers.PurgeCompleted(ctx, job.Payload)
	default:
		return Result{}, fmt.Errorf("no handler for job kind %q", job.Kind)
	}
}

// invalidate drops the cache regions a job made stale. This runs after the
// primary effect committed and is best effort: a failed invalidation costs
// one TTL of staleness, never the job.
func (w *Worker) invalidate(ctx context.Context, invalidations []Invalidation, logger *slog.Logger) {
	if w.cache == nil {
		return
	}
	for _, inv := range invalidations {
		if _, err := w.cache.InvalidatePattern(ctx, inv.Pattern, inv.Namespace); err != nil {
			logger.Warn("post-success cache invalidation failed",
				slog.String("namespace", inv.Namespace),
				slog.String("pattern", inv.Pattern),
				slog.String("error", err.Error()))
		}
	}
}
