// Package jobs implements the asynchronous batch pipeline: a Redis-backed
// job queue, a time-driven scheduler that fans eligible records out into
// staggered batch jobs, a worker tier that executes them with bounded
// concurrency, and a dead-letter sink for jobs that exhaust their retries.
package jobs

import (
	"fmt"
	"time"
)

// Kind is the closed set of job kinds. Dispatch switches over it
// exhaustively, so adding a kind is a compile-visible change in every
// switch rather than a silently ignored string.
type Kind string

const (
	// KindMarkOverdue transitions past-due pending tasks to overdue.
	KindMarkOverdue Kind = "mark_overdue"

	// KindRecomputeStats rebuilds stale per-owner aggregate statistics.
	KindRecomputeStats Kind = "recompute_stats"

	// KindPurgeCompleted deletes completed tasks past their retention.
	KindPurgeCompleted Kind = "purge_completed"
)

// Kinds lists every job kind, in scheduling order.
func Kinds() []Kind {
	return []Kind{KindMarkOverdue, KindRecomputeStats, KindPurgeCompleted}
}

// ParseKind validates a job kind received from outside the process
// (queue payloads, the manual-trigger endpoint).
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMarkOverdue, KindRecomputeStats, KindPurgeCompleted:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// BatchPayload identifies one batch within a scheduling pass. The scheduler
// enqueues one job per batch instead of one per record, so a pass over a
// large table produces a bounded number of jobs.
type BatchPayload struct {
	// BatchNumber is 1-based within the pass.
	BatchNumber int `json:"batch_number"`

	// TotalBatches is how many batches the pass produced.
	TotalBatches int `json:"total_batches"`

	// BatchSize is the maximum records this batch covers.
	BatchSize int `json:"batch_size"`
}

// Job is one queued unit of work. The queue owns it from enqueue until ack
// or dead-lettering.
type Job struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	Payload     BatchPayload `json:"payload"`
	Attempt     int          `json:"attempt"`
	MaxAttempts int          `json:"max_attempts"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
}

// Invalidation names a cache region a job execution made stale. The worker
// applies invalidations after a successful execution, best effort.
type Invalidation struct {
	Namespace string
	Pattern   string
}

// Result carries per-execution metrics. Batch handlers aggregate per-item
// outcomes here; a failed item shows up in the counts and Errors rather
// than failing the job.
type Result struct {
	JobID          string
	Success        bool
	Duration       time.Duration
	ItemsProcessed int
	ItemsSucceeded int
	ItemsFailed    int
	Errors         []string
	Invalidations  []Invalidation
}

// Backoff returns the delay before retry number attempt (0-based):
// base * 2^attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}
