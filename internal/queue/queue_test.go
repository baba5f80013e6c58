package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sot-ingest/internal/logging"
	"github.com/sot-ingest/internal/models"
	"github.com/sot-ingest/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts JobOptions) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "block", opts, 10*time.Second, logging.Nop()), mr
}

func testEvent(block uint64, tokenID string) models.ChainEvent {
	return models.ChainEvent{
		BlockNumber: block,
		TokenID:     tokenID,
		TxHash:      "0xfeed",
		ReturnValues: map[string]string{
			"from":    "0x0000000000000000000000000000000000000000",
			"to":      "0xabc0000000000000000000000000000000000001",
			"tokenId": tokenID,
		},
	}
}

func fixedOptions(attempts int) JobOptions {
	return JobOptions{
		Attempts:         attempts,
		RemoveOnComplete: true,
		Backoff:          retry.FixedConfig(attempts, 10*time.Millisecond),
	}
}

func TestRedisQueue_EnqueueDequeueComplete(t *testing.T) {
	q, mr := newTestQueue(t, DefaultJobOptions())
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, testEvent(1678953, "2"))
	require.NoError(t, err)
	assert.Equal(t, 3, enqueued.AttemptsAllowed)
	assert.True(t, mr.Exists("queue:block:job:"+enqueued.ID))

	job, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, enqueued.ID, job.ID)
	assert.Equal(t, uint64(1678953), job.Event.BlockNumber)
	assert.Equal(t, "2", job.Event.TokenID)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.True(t, mr.Exists("queue:block:lock:"+job.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting)
	assert.Equal(t, int64(1), stats.Active)

	require.NoError(t, q.Complete(ctx, job))
	assert.False(t, mr.Exists("queue:block:job:"+job.ID))
	assert.False(t, mr.Exists("queue:block:lock:"+job.ID))

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Active)
}

func TestRedisQueue_KeepOnComplete(t *testing.T) {
	opts := DefaultJobOptions()
	opts.RemoveOnComplete = false
	q, mr := newTestQueue(t, opts)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEvent(1, "1"))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job))

	assert.True(t, mr.Exists("queue:block:job:"+job.ID))
}

func TestRedisQueue_DequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t, DefaultJobOptions())

	job, err := q.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisQueue_FIFO(t *testing.T) {
	q, _ := newTestQueue(t, DefaultJobOptions())
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		_, err := q.Enqueue(ctx, testEvent(10, id))
		require.NoError(t, err)
	}

	for _, want := range []string{"1", "2", "3"} {
		job, err := q.Dequeue(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.Event.TokenID)
	}
}

func TestRedisQueue_FailRetriesThenDrops(t *testing.T) {
	q, mr := newTestQueue(t, fixedOptions(3))
	clock := time.Now()
	q.now = func() time.Time { return clock }
	ctx := context.Background()
	cause := errors.New("metadata 502")

	_, err := q.Enqueue(ctx, testEvent(5, "7"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		job, err := q.Dequeue(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt-1, job.AttemptsMade)

		outcome, err := q.Fail(ctx, job, cause)
		require.NoError(t, err)
		assert.Equal(t, FailOutcomeRetry, outcome)

		// not due yet
		n, err := q.PromoteDelayed(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		clock = clock.Add(time.Second)
		n, err = q.PromoteDelayed(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}

	job, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.AttemptsMade)
	assert.Equal(t, "metadata 502", job.LastError)

	outcome, err := q.Fail(ctx, job, cause)
	require.NoError(t, err)
	assert.Equal(t, FailOutcomeDropped, outcome)
	assert.False(t, mr.Exists("queue:block:job:"+job.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Name: "block"}, *stats)
}

func TestRedisQueue_RecoverStalled(t *testing.T) {
	q, mr := newTestQueue(t, DefaultJobOptions())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEvent(9, "9"))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	// locked jobs are left alone
	requeued, dropped, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, requeued)
	assert.Empty(t, dropped)

	mr.FastForward(11 * time.Second)

	requeued, _, err = q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, requeued, "first sighting only marks the job")

	requeued, dropped, err = q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, requeued)
	assert.Empty(t, dropped)

	again, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.AttemptsMade, "a stalled run costs an attempt")
	assert.Equal(t, stalledReason, again.LastError)
}

func TestRedisQueue_RepeatedlyStalledJobIsDropped(t *testing.T) {
	q, mr := newTestQueue(t, DefaultJobOptions())
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, testEvent(13, "13"))
	require.NoError(t, err)

	var dropped []string
	deliveries := 0
	for deliveries < 6 {
		job, err := q.Dequeue(ctx, 0)
		require.NoError(t, err)
		if job == nil {
			break
		}
		deliveries++
		assert.Equal(t, deliveries-1, job.AttemptsMade)

		// the worker dies: no Complete, no Fail, the lock runs out
		mr.FastForward(11 * time.Second)
		_, _, err = q.RecoverStalled(ctx)
		require.NoError(t, err)
		_, dropped, err = q.RecoverStalled(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, deliveries)
	assert.Equal(t, []string{enqueued.ID}, dropped)
	assert.False(t, mr.Exists("queue:block:job:"+enqueued.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Name: "block"}, *stats)
}

func TestRedisQueue_FailWithoutPayload(t *testing.T) {
	q, mr := newTestQueue(t, DefaultJobOptions())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEvent(21, "21"))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	mr.Del("queue:block:job:" + job.ID)

	outcome, err := q.Fail(ctx, job, errors.New("rpc timeout"))
	require.NoError(t, err)
	assert.Equal(t, FailOutcomeMissing, outcome)
	assert.False(t, mr.Exists("queue:block:job:"+job.ID), "no stray hash is created")
	assert.False(t, mr.Exists("queue:block:lock:"+job.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Name: "block"}, *stats)
}

func TestRedisQueue_ExtendLock(t *testing.T) {
	q, mr := newTestQueue(t, DefaultJobOptions())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEvent(1, "1"))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)
	require.NoError(t, q.ExtendLock(ctx, job))
	mr.FastForward(8 * time.Second)
	assert.True(t, mr.Exists("queue:block:lock:"+job.ID))

	mr.FastForward(11 * time.Second)
	assert.Error(t, q.ExtendLock(ctx, job))
}

func TestRedisQueue_OrphanedIDIsDiscarded(t *testing.T) {
	q, mr := newTestQueue(t, DefaultJobOptions())
	_, err := mr.Lpush("queue:block:wait", "ghost")
	require.NoError(t, err)

	job, err := q.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, job)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Active)
}

func TestRedisQueue_Unavailable(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	q := NewRedisQueue(client, "block", DefaultJobOptions(), time.Second, logging.Nop())
	_, err := q.Enqueue(context.Background(), testEvent(1, "1"))
	assert.Error(t, err)
}
