package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sot-ingest/internal/logging"
	"github.com/sot-ingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWorker(t *testing.T, q *RedisQueue, handler Handler) *Worker {
	t.Helper()
	w := NewWorker(q, handler, WorkerConfig{
		Concurrency:     2,
		PollTimeout:     time.Second,
		PromoteSchedule: "@every 1s",
		RecoverSchedule: "@every 1m",
		Logger:          logging.Nop(),
	})
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w
}

func TestWorker_ProcessesJobs(t *testing.T) {
	q, _ := newTestQueue(t, DefaultJobOptions())
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string]bool{}
	startWorker(t, q, func(ctx context.Context, job *models.IngestJob) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.Event.TokenID] = true
		return nil
	})

	for _, id := range []string{"1", "2", "3"} {
		_, err := q.Enqueue(ctx, testEvent(100, id))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 5*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Active == 0 && stats.Waiting == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorker_RetriesUntilDropped(t *testing.T) {
	q, mr := newTestQueue(t, fixedOptions(3))
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	startWorker(t, q, func(ctx context.Context, job *models.IngestJob) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("malformed metadata document")
	})

	job, err := q.Enqueue(ctx, testEvent(7, "7"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3 && !mr.Exists("queue:block:job:"+job.ID)
	}, 10*time.Second, 50*time.Millisecond)

	// budget spent, nothing comes back
	time.Sleep(1500 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestWorker_StartTwice(t *testing.T) {
	q, _ := newTestQueue(t, DefaultJobOptions())
	w := startWorker(t, q, func(ctx context.Context, job *models.IngestJob) error { return nil })
	assert.Error(t, w.Start(context.Background()))
}

func TestWorker_InvalidSchedule(t *testing.T) {
	q, _ := newTestQueue(t, DefaultJobOptions())
	w := NewWorker(q, func(ctx context.Context, job *models.IngestJob) error { return nil }, WorkerConfig{
		PromoteSchedule: "whenever",
		Logger:          logging.Nop(),
	})
	assert.Error(t, w.Start(context.Background()))
	assert.Error(t, w.Stop(context.Background()))
}
