// Package queue is a durable at-least-once job queue on Redis. Jobs move
// wait -> active -> (done | delayed -> wait) and carry a bounded attempt
// budget; jobs that exhaust it are dropped.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sot-ingest/internal/config"
	apperrors "github.com/sot-ingest/internal/errors"
	"github.com/sot-ingest/internal/logging"
	"github.com/sot-ingest/internal/models"
	"github.com/sot-ingest/internal/retry"
)

// FailOutcome says what Fail did with a job
type FailOutcome string

const (
	// FailOutcomeRetry means the job was scheduled for another attempt
	FailOutcomeRetry FailOutcome = "retry"
	// FailOutcomeDropped means the attempt budget is spent and the job is gone
	FailOutcomeDropped FailOutcome = "dropped"
	// FailOutcomeMissing means the job hash was already gone; nothing is retried
	FailOutcomeMissing FailOutcome = "missing"
)

// Job hash fields
const (
	fieldData         = "data"
	fieldAttempts     = "attempts"
	fieldAttemptsMade = "attemptsMade"
	fieldEnqueuedAt   = "enqueuedAt"
	fieldFailedReason = "failedReason"
	fieldFinishedOn   = "finishedOn"
)

// JobOptions are applied to every job enqueued
type JobOptions struct {
	Attempts         int
	RemoveOnComplete bool
	Backoff          *retry.RetryConfig
}

// DefaultJobOptions matches the block queue: 3 attempts, removed on completion
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:         3,
		RemoveOnComplete: true,
		Backoff: &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		},
	}
}

// Stats is a snapshot of queue list sizes
type Stats struct {
	Name    string `json:"name"`
	Waiting int64  `json:"waiting"`
	Active  int64  `json:"active"`
	Delayed int64  `json:"delayed"`
}

// RedisQueue is a named job queue backed by Redis lists and a sorted set.
// Keys live under queue:<name>:.
type RedisQueue struct {
	client       redis.UniversalClient
	name         string
	opts         JobOptions
	lockDuration time.Duration
	consumerID   string
	now          func() time.Time
	logger       *logging.Logger
}

// NewRedisQueue creates a queue handle. It does not touch Redis.
func NewRedisQueue(client redis.UniversalClient, name string, opts JobOptions, lockDuration time.Duration, logger *logging.Logger) *RedisQueue {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultJobOptions().Backoff
	}
	if lockDuration <= 0 {
		lockDuration = 30 * time.Second
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &RedisQueue{
		client:       client,
		name:         name,
		opts:         opts,
		lockDuration: lockDuration,
		consumerID:   uuid.NewString(),
		now:          time.Now,
		logger:       logger.WithComponent("queue").WithField("queue", name),
	}
}

// NewFromConfig creates the queue described by cfg
func NewFromConfig(client redis.UniversalClient, cfg *config.QueueConfig, logger *logging.Logger) *RedisQueue {
	opts := JobOptions{
		Attempts:         cfg.Attempts,
		RemoveOnComplete: cfg.RemoveOnComplete,
		Backoff: &retry.RetryConfig{
			MaxAttempts:  cfg.Attempts,
			InitialDelay: cfg.BackoffDelay,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		},
	}
	return NewRedisQueue(client, cfg.Name, opts, cfg.LockDuration, logger)
}

// Name returns the queue name
func (q *RedisQueue) Name() string {
	return q.name
}

func (q *RedisQueue) prefix() string     { return "queue:" + q.name + ":" }
func (q *RedisQueue) waitKey() string    { return q.prefix() + "wait" }
func (q *RedisQueue) activeKey() string  { return q.prefix() + "active" }
func (q *RedisQueue) delayedKey() string { return q.prefix() + "delayed" }
func (q *RedisQueue) stalledKey() string { return q.prefix() + "stalled" }

func (q *RedisQueue) jobKey(id string) string  { return q.prefix() + "job:" + id }
func (q *RedisQueue) lockKey(id string) string { return q.prefix() + "lock:" + id }

// Enqueue stores the event as a new job at the tail of the wait list
func (q *RedisQueue) Enqueue(ctx context.Context, event models.ChainEvent) (*models.IngestJob, error) {
	job := &models.IngestJob{
		ID:              uuid.NewString(),
		Event:           event,
		AttemptsAllowed: q.opts.Attempts,
		EnqueuedAt:      q.now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, apperrors.NewQueueError("enqueue", fmt.Errorf("failed to encode event: %w", err))
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID), map[string]interface{}{
			fieldData:         data,
			fieldAttempts:     job.AttemptsAllowed,
			fieldAttemptsMade: 0,
			fieldEnqueuedAt:   job.EnqueuedAt.UnixMilli(),
		})
		pipe.LPush(ctx, q.waitKey(), job.ID)
		return nil
	})
	if err != nil {
		return nil, apperrors.NewQueueError("enqueue", err)
	}

	return job, nil
}

// Dequeue moves the oldest waiting job to active and locks it. A positive
// timeout blocks for up to that long; zero returns immediately. It returns
// nil, nil when there is nothing to do.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.IngestJob, error) {
	var (
		id  string
		err error
	)
	if timeout > 0 {
		id, err = q.client.BLMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT", timeout).Result()
	} else {
		id, err = q.client.LMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT").Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewQueueError("dequeue", err)
	}

	if err := q.client.Set(ctx, q.lockKey(id), q.consumerID, q.lockDuration).Err(); err != nil {
		return nil, apperrors.NewQueueError("lock", err)
	}

	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, apperrors.NewQueueError("load job", err)
	}
	if len(fields) == 0 {
		// orphaned id, the job hash is gone
		q.logger.WithField("jobId", id).Warn("Discarding job without payload")
		q.release(ctx, id)
		return nil, nil
	}

	job, err := decodeJob(id, fields)
	if err != nil {
		q.logger.WithField("jobId", id).WithError(err).Error("Discarding undecodable job")
		q.release(ctx, id)
		q.client.Del(ctx, q.jobKey(id))
		return nil, nil
	}
	return job, nil
}

func decodeJob(id string, fields map[string]string) (*models.IngestJob, error) {
	job := &models.IngestJob{ID: id, LastError: fields[fieldFailedReason]}

	if err := json.Unmarshal([]byte(fields[fieldData]), &job.Event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	var err error
	if job.AttemptsAllowed, err = strconv.Atoi(fields[fieldAttempts]); err != nil {
		return nil, fmt.Errorf("invalid attempts: %w", err)
	}
	if job.AttemptsMade, err = strconv.Atoi(fields[fieldAttemptsMade]); err != nil {
		return nil, fmt.Errorf("invalid attemptsMade: %w", err)
	}
	if ms, err := strconv.ParseInt(fields[fieldEnqueuedAt], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return job, nil
}

// release removes the id from active and drops its lock
func (q *RedisQueue) release(ctx context.Context, id string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.activeKey(), 1, id)
		pipe.Del(ctx, q.lockKey(id))
		return nil
	})
	if err != nil {
		q.logger.WithField("jobId", id).WithError(err).Warn("Failed to release job")
	}
}

// ExtendLock refreshes the processing lock of a running job
func (q *RedisQueue) ExtendLock(ctx context.Context, job *models.IngestJob) error {
	ok, err := q.client.PExpire(ctx, q.lockKey(job.ID), q.lockDuration).Result()
	if err != nil {
		return apperrors.NewQueueError("extend lock", err)
	}
	if !ok {
		return apperrors.NewQueueError("extend lock", fmt.Errorf("lock for job %s lost", job.ID))
	}
	return nil
}

// Complete removes a finished job from active
func (q *RedisQueue) Complete(ctx context.Context, job *models.IngestJob) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.activeKey(), 1, job.ID)
		pipe.Del(ctx, q.lockKey(job.ID))
		if q.opts.RemoveOnComplete {
			pipe.Del(ctx, q.jobKey(job.ID))
		} else {
			pipe.HSet(ctx, q.jobKey(job.ID), fieldFinishedOn, q.now().UnixMilli())
		}
		return nil
	})
	if err != nil {
		return apperrors.NewQueueError("complete", err)
	}
	return nil
}

// failScript counts a failed attempt. It returns -1 without creating
// anything when the job hash is already gone.
var failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`)

// Fail records a failed attempt. The job is delayed for a retry while
// attempts remain and dropped otherwise.
func (q *RedisQueue) Fail(ctx context.Context, job *models.IngestJob, cause error) (FailOutcome, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	made, err := failScript.Run(ctx, q.client, []string{q.jobKey(job.ID)}, fieldAttemptsMade).Int64()
	if err != nil {
		return "", apperrors.NewQueueError("fail", err)
	}
	job.LastError = reason

	if made < 0 {
		q.release(ctx, job.ID)
		return FailOutcomeMissing, nil
	}
	job.AttemptsMade = int(made)

	if job.AttemptsLeft() == 0 {
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.activeKey(), 1, job.ID)
			pipe.Del(ctx, q.lockKey(job.ID))
			pipe.Del(ctx, q.jobKey(job.ID))
			return nil
		})
		if err != nil {
			return "", apperrors.NewQueueError("drop", err)
		}
		return FailOutcomeDropped, nil
	}

	due := q.now().Add(retry.BackoffFor(q.opts.Backoff, job.AttemptsMade))
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID), fieldFailedReason, reason)
		pipe.LRem(ctx, q.activeKey(), 1, job.ID)
		pipe.Del(ctx, q.lockKey(job.ID))
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return "", apperrors.NewQueueError("retry", err)
	}
	return FailOutcomeRetry, nil
}

// promoteScript moves due members of the delayed set to the wait list
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// PromoteDelayed moves delayed jobs whose retry time has passed back to wait
func (q *RedisQueue) PromoteDelayed(ctx context.Context) (int64, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.waitKey()},
		q.now().UnixMilli(), 1000,
	).Int64()
	if err != nil {
		return 0, apperrors.NewQueueError("promote delayed", err)
	}
	return n, nil
}

// recoverScript runs in two phases: active jobs without a lock are marked
// as suspects, and suspects still without a lock on the next run are taken
// out of active. A job that was just moved to active but not yet locked is
// never touched on its first sighting. A stalled run costs an attempt, so a
// job that keeps killing its worker is dropped once the budget is spent.
var recoverScript = redis.NewScript(`
local requeued, dropped = {}, {}
local suspects = redis.call('SMEMBERS', KEYS[3])
for _, id in ipairs(suspects) do
	if redis.call('EXISTS', ARGV[1] .. id) == 0 and redis.call('LREM', KEYS[1], 1, id) > 0 then
		local job = ARGV[2] .. id
		if redis.call('EXISTS', job) == 0 then
			table.insert(dropped, id)
		else
			local made = redis.call('HINCRBY', job, ARGV[3], 1)
			local allowed = tonumber(redis.call('HGET', job, ARGV[4])) or 1
			if made >= allowed then
				redis.call('DEL', job)
				table.insert(dropped, id)
			else
				redis.call('HSET', job, ARGV[5], ARGV[6])
				redis.call('RPUSH', KEYS[2], id)
				table.insert(requeued, id)
			end
		end
	end
end
redis.call('DEL', KEYS[3])
local active = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(active) do
	if redis.call('EXISTS', ARGV[1] .. id) == 0 then
		redis.call('SADD', KEYS[3], id)
	end
end
return {requeued, dropped}
`)

// stalledReason is recorded as the failure of an attempt whose worker died
const stalledReason = "job stalled: processing lock expired"

// RecoverStalled takes jobs whose worker died (lock expired) out of active.
// Jobs with attempts left go back to wait; the rest are dropped.
func (q *RedisQueue) RecoverStalled(ctx context.Context) (requeued, dropped []string, err error) {
	res, err := recoverScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.waitKey(), q.stalledKey()},
		q.prefix()+"lock:", q.prefix()+"job:",
		fieldAttemptsMade, fieldAttempts, fieldFailedReason, stalledReason,
	).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, apperrors.NewQueueError("recover stalled", err)
	}
	if len(res) == 2 {
		requeued = toStrings(res[0])
		dropped = toStrings(res[1])
	}

	if len(requeued) > 0 {
		q.logger.WithField("jobs", len(requeued)).Warn("Requeued stalled jobs")
	}
	if len(dropped) > 0 {
		q.logger.WithField("jobIds", dropped).Error("Dropped stalled jobs with no attempts left")
	}
	return requeued, dropped, nil
}

func toStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if id, ok := item.(string); ok {
			out = append(out, id)
		}
	}
	return out
}

// Stats returns the current list sizes
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	var waiting, active, delayed *redis.IntCmd

	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.waitKey())
		active = pipe.LLen(ctx, q.activeKey())
		delayed = pipe.ZCard(ctx, q.delayedKey())
		return nil
	})
	if err != nil {
		return nil, apperrors.NewQueueError("stats", err)
	}

	return &Stats{
		Name:    q.name,
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}, nil
}
