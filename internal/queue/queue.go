// Package queue implements the durable, retrying message-dispatch queue on
// Redis: per-job state hashes plus atomic moves between the waiting,
// active, delayed, completed, and failed lists. Failed jobs are kept for
// inspection; completed jobs are kept briefly so the status endpoint can
// report them, then expire.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/message"
	"github.com/gatekit-chat/gatekit-server/internal/metrics"
)

// State is a job's queue state.
type State string

// The queue states.
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Sentinel errors for the queue package.
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrNotRetryable = errors.New("job is not in the failed state")
)

const (
	keyPrefix    = "gateway:queue:"
	keyID        = keyPrefix + "id"
	keyWaiting   = keyPrefix + "waiting"
	keyActive    = keyPrefix + "active"
	keyDelayed   = keyPrefix + "delayed"
	keyCompleted = keyPrefix + "completed"
	keyFailed    = keyPrefix + "failed"

	// completedRetention keeps finished job hashes queryable for a while
	// before they expire; the completed list itself is capped.
	completedRetention = 24 * time.Hour
	completedListCap   = 1000
)

// Options tunes queue behavior.
type Options struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	StallThreshold time.Duration
}

// Job is one durable queue entry.
type Job struct {
	ID           string
	Data         message.JobData
	State        State
	AttemptsMade int
	MaxAttempts  int
	Progress     int
	CreatedAt    time.Time
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
	FailedReason string
}

// Queue is the Redis-backed job queue. Safe for concurrent use.
type Queue struct {
	rdb  *redis.Client
	opts Options
	m    *metrics.Metrics
	log  zerolog.Logger
}

// New creates a Queue. m may be nil to disable metric updates.
func New(rdb *redis.Client, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = 60 * time.Second
	}
	return &Queue{rdb: rdb, opts: opts, m: m, log: logger}
}

func jobKey(id string) string { return keyPrefix + "job:" + id }

// Add persists a new job and pushes it onto the waiting list, returning
// its monotonic id.
func (q *Queue) Add(ctx context.Context, data message.JobData) (string, error) {
	seq, err := q.rdb.Incr(ctx, keyID).Result()
	if err != nil {
		return "", fmt.Errorf("next job id: %w", err)
	}
	id := strconv.FormatInt(seq, 10)

	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal job data: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"data":         string(payload),
		"state":        string(StateWaiting),
		"attempts":     0,
		"max_attempts": q.opts.MaxAttempts,
		"progress":     0,
		"created_at":   time.Now().UnixMilli(),
	})
	pipe.LPush(ctx, keyWaiting, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	if q.m != nil {
		q.m.JobsEnqueued.Inc()
	}
	return id, nil
}

// next atomically moves the oldest waiting job to active and marks it
// picked up. Returns nil when the waiting list is empty.
func (q *Queue) next(ctx context.Context) (*Job, error) {
	id, err := q.rdb.LMove(ctx, keyWaiting, keyActive, "RIGHT", "LEFT").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop waiting job: %w", err)
	}

	now := time.Now()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"state":        string(StateActive),
		"processed_on": now.UnixMilli(),
		"heartbeat":    now.UnixMilli(),
	})
	pipe.HIncrBy(ctx, jobKey(id), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("activate job %s: %w", id, err)
	}

	return q.GetJob(ctx, id)
}

// Complete resolves an active job as successful. The job hash is kept with
// a TTL so status queries keep working; the completed list is capped.
func (q *Queue) Complete(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, keyActive, 1, id)
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"state":       string(StateCompleted),
		"finished_on": time.Now().UnixMilli(),
		"progress":    100,
	})
	pipe.Expire(ctx, jobKey(id), completedRetention)
	pipe.LPush(ctx, keyCompleted, id)
	pipe.LTrim(ctx, keyCompleted, 0, completedListCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if q.m != nil {
		q.m.JobsCompleted.Inc()
	}
	return nil
}

// Fail resolves an active job attempt. Retryable failures under the
// attempt cap are re-queued onto the delayed set with exponential backoff
// (attempt n waits 2^(n-1) times the base delay); everything else lands in
// failed, which is kept for inspection.
func (q *Queue) Fail(ctx context.Context, id, reason string, retryable bool) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}

	if retryable && job.AttemptsMade < job.MaxAttempts {
		delay := q.opts.BackoffBase
		if job.AttemptsMade > 1 {
			delay <<= job.AttemptsMade - 1
		}
		readyAt := time.Now().Add(delay)

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, keyActive, 1, id)
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(readyAt.UnixMilli()), Member: id})
		pipe.HSet(ctx, jobKey(id), map[string]any{
			"state":         string(StateDelayed),
			"failed_reason": reason,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("delay job %s: %w", id, err)
		}
		if q.m != nil {
			q.m.JobsRetried.Inc()
		}
		q.log.Info().Str("job_id", id).Int("attempt", job.AttemptsMade).
			Dur("backoff", delay).Str("reason", reason).Msg("Job re-queued with backoff")
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, keyActive, 1, id)
	pipe.RPush(ctx, keyFailed, id)
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"state":         string(StateFailed),
		"failed_reason": reason,
		"finished_on":   time.Now().UnixMilli(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if q.m != nil {
		q.m.JobsFailed.Inc()
	}
	q.log.Warn().Str("job_id", id).Int("attempts", job.AttemptsMade).
		Str("reason", reason).Msg("Job failed permanently")
	return nil
}

// Retry re-enqueues a failed job with a visibly reset attempt counter.
// Only failed jobs are eligible.
func (q *Queue) Retry(ctx context.Context, id string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateFailed {
		return ErrNotRetryable
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, keyFailed, 1, id)
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"state":         string(StateWaiting),
		"attempts":      0,
		"failed_reason": "",
	})
	pipe.HDel(ctx, jobKey(id), "finished_on")
	pipe.LPush(ctx, keyWaiting, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	return nil
}

// SetProgress records fan-out progress (0-100) and refreshes the stall
// heartbeat.
func (q *Queue) SetProgress(ctx context.Context, id string, progress int) error {
	err := q.rdb.HSet(ctx, jobKey(id), map[string]any{
		"progress":  progress,
		"heartbeat": time.Now().UnixMilli(),
	}).Err()
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	return nil
}

// GetJob loads one job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{ID: id, State: State(fields["state"]), FailedReason: fields["failed_reason"]}
	if err := json.Unmarshal([]byte(fields["data"]), &job.Data); err != nil {
		return nil, fmt.Errorf("decode job data: %w", err)
	}
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.Progress, _ = strconv.Atoi(fields["progress"])
	job.CreatedAt = msTime(fields["created_at"])
	if t := msTime(fields["processed_on"]); !t.IsZero() {
		job.ProcessedOn = &t
	}
	if t := msTime(fields["finished_on"]); !t.IsZero() {
		job.FinishedOn = &t
	}
	return job, nil
}

// Counts reports the number of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
	Total     int64 `json:"total"`
}

// Counts returns current queue depths and mirrors the waiting, active,
// delayed and failed depths onto the gauges.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, keyWaiting)
	active := pipe.LLen(ctx, keyActive)
	completed := pipe.LLen(ctx, keyCompleted)
	failed := pipe.LLen(ctx, keyFailed)
	delayed := pipe.ZCard(ctx, keyDelayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}

	c := Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}
	c.Total = c.Waiting + c.Active + c.Completed + c.Failed + c.Delayed

	if q.m != nil {
		q.m.QueueDepth.WithLabelValues(string(StateWaiting)).Set(float64(c.Waiting))
		q.m.QueueDepth.WithLabelValues(string(StateActive)).Set(float64(c.Active))
		q.m.QueueDepth.WithLabelValues(string(StateDelayed)).Set(float64(c.Delayed))
		q.m.QueueDepth.WithLabelValues(string(StateFailed)).Set(float64(c.Failed))
	}
	return c, nil
}

// Clean bulk-removes completed or failed jobs and their hashes.
func (q *Queue) Clean(ctx context.Context, state State) (int64, error) {
	var listKey string
	switch state {
	case StateCompleted:
		listKey = keyCompleted
	case StateFailed:
		listKey = keyFailed
	default:
		return 0, fmt.Errorf("cannot clean state %q", state)
	}

	ids, err := q.rdb.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list %s jobs: %w", state, err)
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, jobKey(id))
	}
	pipe.Del(ctx, listKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("clean %s jobs: %w", state, err)
	}
	return int64(len(ids)), nil
}

// promoteDelayed moves every delayed job whose backoff has elapsed back to
// waiting. Each member is claimed with a ZRem so two maintainers cannot
// promote the same job twice.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed jobs: %w", err)
	}

	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, keyDelayed, id).Result()
		if err != nil {
			return fmt.Errorf("claim delayed job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(id), "state", string(StateWaiting))
		pipe.LPush(ctx, keyWaiting, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote delayed job %s: %w", id, err)
		}
	}
	return nil
}

// checkStalled logs and counts active jobs whose heartbeat is older than
// the stall threshold. Stalled jobs are not re-queued automatically, since
// a merely-slow worker would otherwise double-deliver. They stay in the
// active list, and Retry does not accept them: it takes failed jobs only.
func (q *Queue) checkStalled(ctx context.Context) {
	ids, err := q.rdb.LRange(ctx, keyActive, 0, -1).Result()
	if err != nil {
		q.log.Warn().Err(err).Msg("Failed to scan active jobs for stalls")
		return
	}

	cutoff := time.Now().Add(-q.opts.StallThreshold)
	for _, id := range ids {
		raw, err := q.rdb.HGet(ctx, jobKey(id), "heartbeat").Result()
		if err != nil {
			continue
		}
		if hb := msTime(raw); !hb.IsZero() && hb.Before(cutoff) {
			if q.m != nil {
				q.m.JobsStalled.Inc()
			}
			q.log.Warn().Str("job_id", id).Time("last_heartbeat", hb).
				Msg("Job appears stalled")
		}
	}
}

func msTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
