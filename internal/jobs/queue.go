// Package jobs provides a durable Redis-backed job queue for backfill
// work. Jobs survive process restarts: waiting jobs sit in a list, running
// jobs in a second list, and retries in a delayed sorted set scored by
// their ready time.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyWaiting = "perpfolio:jobs:backfill:waiting"
	keyActive  = "perpfolio:jobs:backfill:active"
	keyDelayed = "perpfolio:jobs:backfill:delayed"
	keyJob     = "perpfolio:jobs:backfill:job:"
	keyLatest  = "perpfolio:jobs:backfill:latest:"

	// completed and failed job records expire after this long.
	doneTTL = 24 * time.Hour

	// DefaultMaxAttempts bounds retries per job.
	DefaultMaxAttempts = 3
	// DefaultBackoff is the base retry delay, doubled per attempt.
	DefaultBackoff = 5 * time.Second
)

// Job states.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// ErrDuplicate reports that a job with the same id already exists.
var ErrDuplicate = errors.New("jobs: duplicate job")

// Job is one backfill request covering [StartMs, EndMs).
type Job struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	StartMs     int64     `json:"start_ms"`
	EndMs       int64     `json:"end_ms"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
	ChunksDone  int       `json:"chunks_done"`
	ChunksTotal int       `json:"chunks_total"`
	LastError   string    `json:"last_error,omitempty"`
}

// JobID derives the deterministic id for a backfill request. Re-enqueuing
// the same address and start is a no-op while the first job lives.
func JobID(address string, startMs int64) string {
	return fmt.Sprintf("backfill-%s-%d", address, startMs)
}

// Queue is the durable backfill queue.
type Queue struct {
	rdb     redis.UniversalClient
	log     zerolog.Logger
	backoff time.Duration
}

// NewQueue wraps a Redis client. The client's lifecycle belongs to the
// caller.
func NewQueue(rdb redis.UniversalClient, log zerolog.Logger) *Queue {
	return &Queue{rdb: rdb, log: log.With().Str("component", "jobs").Logger(), backoff: DefaultBackoff}
}

// Enqueue stores the job and pushes it onto the waiting list. Returns
// ErrDuplicate when a job with the same id already exists.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = JobID(job.Address, job.StartMs)
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	job.State = StateWaiting
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	ok, err := q.rdb.SetNX(ctx, keyJob+job.ID, data, 0).Result()
	if err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	if !ok {
		return ErrDuplicate
	}

	if err := q.rdb.LPush(ctx, keyWaiting, job.ID).Err(); err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	if err := q.rdb.Set(ctx, keyLatest+job.Address, job.ID, 0).Err(); err != nil {
		return fmt.Errorf("index job %s: %w", job.ID, err)
	}
	q.log.Info().Str("job", job.ID).Msg("backfill job enqueued")
	return nil
}

// Dequeue blocks up to timeout for the next waiting job and moves it to
// the active list. Returns nil when the wait times out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	id, err := q.rdb.BLMove(ctx, keyWaiting, keyActive, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// record vanished; drop the dangling id
		q.rdb.LRem(ctx, keyActive, 1, id)
		return nil, nil
	}

	job.State = StateActive
	job.Attempts++
	if err := q.save(ctx, job, 0); err != nil {
		return nil, err
	}
	return job, nil
}

// Progress records how far a running job has advanced.
func (q *Queue) Progress(ctx context.Context, job *Job, done, total int) error {
	job.ChunksDone = done
	job.ChunksTotal = total
	return q.save(ctx, job, 0)
}

// Complete marks the job done and removes it from the active list. The
// record sticks around for a day so Status can report it.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	if err := q.rdb.LRem(ctx, keyActive, 1, job.ID).Err(); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	job.State = StateCompleted
	job.LastError = ""
	return q.save(ctx, job, doneTTL)
}

// Fail records the error and either schedules a retry with exponential
// backoff or, when attempts are exhausted, marks the job failed.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	if err := q.rdb.LRem(ctx, keyActive, 1, job.ID).Err(); err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	job.LastError = cause.Error()

	if job.Attempts >= job.MaxAttempts {
		job.State = StateFailed
		q.log.Warn().Str("job", job.ID).Int("attempts", job.Attempts).
			Err(cause).Msg("backfill job failed permanently")
		return q.save(ctx, job, doneTTL)
	}

	delay := q.backoff << (job.Attempts - 1)
	readyAt := time.Now().Add(delay)
	job.State = StateDelayed
	if err := q.save(ctx, job, 0); err != nil {
		return err
	}
	err := q.rdb.ZAdd(ctx, keyDelayed, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("delay job %s: %w", job.ID, err)
	}
	q.log.Info().Str("job", job.ID).Dur("delay", delay).Err(cause).Msg("backfill job scheduled for retry")
	return nil
}

// RecoverActive requeues jobs stranded in the active list by a previous
// process that died between dequeue and completion. Call it once at
// worker startup, before any Dequeue. Jobs with no attempts left are
// marked failed instead of requeued.
func (q *Queue) RecoverActive(ctx context.Context) (int, error) {
	ids, err := q.rdb.LRange(ctx, keyActive, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("recover active: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		if err := q.rdb.LRem(ctx, keyActive, 1, id).Err(); err != nil {
			return recovered, fmt.Errorf("recover job %s: %w", id, err)
		}
		job, err := q.load(ctx, id)
		if err != nil {
			return recovered, err
		}
		if job == nil {
			continue
		}
		if job.Attempts >= job.MaxAttempts {
			job.State = StateFailed
			job.LastError = "worker died before the last attempt finished"
			if err := q.save(ctx, job, doneTTL); err != nil {
				return recovered, err
			}
			q.log.Warn().Str("job", id).Msg("stranded backfill job out of attempts")
			continue
		}
		job.State = StateWaiting
		if err := q.save(ctx, job, 0); err != nil {
			return recovered, err
		}
		if err := q.rdb.LPush(ctx, keyWaiting, id).Err(); err != nil {
			return recovered, fmt.Errorf("requeue job %s: %w", id, err)
		}
		q.log.Info().Str("job", id).Int("attempts", job.Attempts).Msg("stranded backfill job requeued")
		recovered++
	}
	return recovered, nil
}

// PromoteDelayed moves every delayed job whose ready time has passed back
// onto the waiting list. Call it periodically from the worker loop.
func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, keyDelayed, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("promote job %s: %w", id, err)
		}
		if removed == 0 {
			continue // another worker got it
		}
		job, err := q.load(ctx, id)
		if err != nil {
			return promoted, err
		}
		if job != nil {
			job.State = StateWaiting
			if err := q.save(ctx, job, 0); err != nil {
				return promoted, err
			}
		}
		if err := q.rdb.LPush(ctx, keyWaiting, id).Err(); err != nil {
			return promoted, fmt.Errorf("requeue job %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

// Status returns the stored record for the given job id, or nil.
func (q *Queue) Status(ctx context.Context, id string) (*Job, error) {
	return q.load(ctx, id)
}

// StatusByAddress returns the most recently enqueued job for an address,
// or nil when the address was never backfilled.
func (q *Queue) StatusByAddress(ctx context.Context, address string) (*Job, error) {
	id, err := q.rdb.Get(ctx, keyLatest+address).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest job for %s: %w", address, err)
	}
	return q.load(ctx, id)
}

func (q *Queue) load(ctx context.Context, id string) (*Job, error) {
	data, err := q.rdb.Get(ctx, keyJob+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := q.rdb.Set(ctx, keyJob+job.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}
