package jobs

import (
	"context"
	"errors"
	"time"
)

// Common queue errors.
var (
	// ErrEmpty is returned by Dequeue when no job is ready.
	ErrEmpty = errors.New("no job available")

	// ErrJobNotFound is returned when an operation references a job the
	// queue no longer holds (already acked or dead-lettered).
	ErrJobNotFound = errors.New("job not found")
)

// EnqueueOptions customize a single enqueue.
type EnqueueOptions struct {
	// Delay defers the job's eligibility for dequeue.
	Delay time.Duration

	// MaxAttempts caps executions before dead-lettering. Non-positive
	// values use the queue default.
	MaxAttempts int
}

// Counts summarizes queue depth for the health surface.
type Counts struct {
	// Pending counts jobs waiting in the ready list or delayed set.
	Pending int64 `json:"pending"`

	// Active counts jobs currently leased by workers.
	Active int64 `json:"active"`

	// Dead counts jobs in the dead-letter sink.
	Dead int64 `json:"dead"`
}

// DeadLetterEntry is one dead-lettered job, preserved for inspection.
type DeadLetterEntry struct {
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Queue is the contract over the shared, persistent job queue. A dequeued
// job is leased, not removed: the lease must be resolved by Ack, Retry or
// Fail, or it expires and ReapExpired makes the job dequeueable again.
type Queue interface {
	// Enqueue stores a new job and returns its id.
	Enqueue(ctx context.Context, kind Kind, payload BatchPayload, opts EnqueueOptions) (string, error)

	// Dequeue leases the next ready job for leaseTTL. Returns ErrEmpty
	// when nothing is ready.
	Dequeue(ctx context.Context, leaseTTL time.Duration) (*Job, error)

	// Ack acknowledges a successfully executed job, destroying it.
	Ack(ctx context.Context, jobID string) error

	// Retry releases the lease and re-schedules the job after delay,
	// recording one more completed attempt.
	Retry(ctx context.Context, job *Job, delay time.Duration) error

	// Fail moves the job to the dead-letter sink and destroys the queued
	// copy. The same job id is never re-enqueued afterwards.
	Fail(ctx context.Context, job *Job, reason string) error

	// PromoteDue moves delay-expired jobs into the ready list.
	PromoteDue(ctx context.Context) (int, error)

	// ReapExpired returns lease-expired jobs to the ready list, making
	// work abandoned by a crashed or stalled worker eligible again.
	ReapExpired(ctx context.Context) (int, error)

	// Counts reports queue depth.
	Counts(ctx context.Context) (Counts, error)

	// DeadLetters returns up to limit dead-lettered jobs, newest first.
	DeadLetters(ctx context.Context, limit int64) ([]DeadLetterEntry, error)
}
