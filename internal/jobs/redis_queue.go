package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout for the queue. Job bodies live in one hash; the lists
// and sorted sets hold only ids, so moving a job between states never
// copies its payload.
const (
	readyKey   = "jobs:ready"   // LIST of ready job ids
	delayedKey = "jobs:delayed" // ZSET id -> eligible-at (ms)
	leaseKey   = "jobs:lease"   // ZSET id -> lease-expires-at (ms)
	dataKey    = "jobs:data"    // HASH id -> job JSON
	deadKey    = "jobs:dead"    // LIST of dead-letter entry JSON
)

// DefaultMaxAttempts applies when EnqueueOptions leave MaxAttempts unset.
const DefaultMaxAttempts = 3

// dequeueScript atomically pops the next ready job, records its lease, and
// returns its body. Doing this in one script means a crash between "pop"
// and "lease" cannot lose a job.
const dequeueScript = `
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local data = redis.call('HGET', KEYS[3], id)
if not data then
  redis.call('ZREM', KEYS[2], id)
  return {id, ''}
end
return {id, data}
`

// promoteScript moves ids whose score is due from a sorted set into the
// ready list. Shared by delayed-job promotion and expired-lease reaping.
const promoteScript = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`

// promoteBatch bounds how many ids one promote/reap pass moves.
const promoteBatch = 500

// RedisQueue implements Queue on a shared Redis deployment. All instances
// of the service coordinate through these keys; no in-process state is
// authoritative.
type RedisQueue struct {
	client *redis.Client

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewRedisQueue creates a queue over the given Redis client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	if client == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("redis client cannot be nil for RedisQueue")
	}
	return &RedisQueue{client: client, now: time.Now}
}

// Enqueue stores a new job and makes it ready immediately or after the
// configured delay.
func (q *RedisQueue) Enqueue(ctx context.Context, kind Kind, payload BatchPayload, opts EnqueueOptions) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	job := Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  q.now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, dataKey, job.ID, data)
	if opts.Delay > 0 {
		eligibleAt := q.now().Add(opts.Delay).UnixMilli()
		pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(eligibleAt), Member: job.ID})
	} else {
		pipe.LPush(ctx, readyKey, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	return job.ID, nil
}

// Dequeue leases the next ready job for leaseTTL.
func (q *RedisQueue) Dequeue(ctx context.Context, leaseTTL time.Duration) (*Job, error) {
	leaseExpiry := q.now().Add(leaseTTL).UnixMilli()

	reply, err := q.client.Eval(ctx, dequeueScript,
		[]string{readyKey, leaseKey, dataKey}, leaseExpiry).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	arr, ok := reply.([]interface{})
	if !ok || len(arr) != 2 {
		return nil, fmt.Errorf("malformed dequeue reply %v", reply)
	}
	body, _ := arr[1].(string)
	if body == "" {
		// Ready-list id with no body: a remnant of a destroyed job.
		return nil, ErrEmpty
	}

	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job body: %w", err)
	}
	return &job, nil
}

// Ack destroys a successfully executed job.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, leaseKey, jobID)
	del := pipe.HDel(ctx, dataKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", jobID, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

// Retry records one more completed attempt and re-schedules the job after
// delay, releasing its lease.
func (q *RedisQueue) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	job.Attempt++
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job for retry: %w", err)
	}
	eligibleAt := q.now().Add(delay).UnixMilli()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, dataKey, job.ID, data)
	pipe.ZRem(ctx, leaseKey, job.ID)
	pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(eligibleAt), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
	}
	return nil
}

// Fail copies the job into the dead-letter sink and destroys the queued
// copy in one transaction, so a job is dead-lettered at most once and its
// id is never dequeueable again.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, reason string) error {
	entry := DeadLetterEntry{
		Job:      *job,
		Reason:   reason,
		FailedAt: q.now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter entry: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, deadKey, data)
	pipe.ZRem(ctx, leaseKey, job.ID)
	pipe.ZRem(ctx, delayedKey, job.ID)
	pipe.LRem(ctx, readyKey, 0, job.ID)
	pipe.HDel(ctx, dataKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// PromoteDue moves delay-expired jobs into the ready list.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	return q.promote(ctx, delayedKey)
}

// ReapExpired returns lease-expired jobs to the ready list. The worker that
// held the lease may still finish and ack; at-least-once delivery accepts
// the resulting duplicate execution.
func (q *RedisQueue) ReapExpired(ctx context.Context) (int, error) {
	return q.promote(ctx, leaseKey)
}

func (q *RedisQueue) promote(ctx context.Context, fromKey string) (int, error) {
	n, err := q.client.Eval(ctx, promoteScript,
		[]string{fromKey, readyKey}, q.now().UnixMilli(), promoteBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote jobs from %s: %w", fromKey, err)
	}
	return n, nil
}

// Counts reports queue depth.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.TxPipeline()
	ready := pipe.LLen(ctx, readyKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	active := pipe.ZCard(ctx, leaseKey)
	dead := pipe.LLen(ctx, deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("failed to read queue counts: %w", err)
	}
	return Counts{
		Pending: ready.Val() + delayed.Val(),
		Active:  active.Val(),
		Dead:    dead.Val(),
	}, nil
}

// DeadLetters returns up to limit dead-lettered jobs, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	entries := make([]DeadLetterEntry, 0, len(raw))
	for _, item := range raw {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode dead-letter entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
