package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sot-ingest/internal/logging"
	"github.com/sot-ingest/internal/metrics"
	"github.com/sot-ingest/internal/models"
)

// Handler processes one job. A nil return completes the job; an error
// consumes an attempt.
type Handler func(ctx context.Context, job *models.IngestJob) error

// WorkerConfig configures a worker pool
type WorkerConfig struct {
	Concurrency     int
	PollTimeout     time.Duration
	PromoteSchedule string // cron spec, e.g. "@every 1s"
	RecoverSchedule string
	Logger          *logging.Logger
}

// Worker runs a pool of goroutines pulling jobs from a RedisQueue
type Worker struct {
	queue   *RedisQueue
	handler Handler
	cfg     WorkerConfig
	logger  *logging.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// NewWorker creates a worker pool for q
func NewWorker(q *RedisQueue, handler Handler, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.PromoteSchedule == "" {
		cfg.PromoteSchedule = "@every 1s"
	}
	if cfg.RecoverSchedule == "" {
		cfg.RecoverSchedule = "@every 30s"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Worker{
		queue:   q,
		handler: handler,
		cfg:     cfg,
		logger:  logger.WithComponent("queue_worker").WithField("queue", q.Name()),
	}
}

// Start launches the pool and the maintenance schedule
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("worker already started")
	}

	runCtx, cancel := context.WithCancel(ctx)

	c := cron.New()
	if _, err := c.AddFunc(w.cfg.PromoteSchedule, func() { w.promote(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid promote schedule %q: %w", w.cfg.PromoteSchedule, err)
	}
	if _, err := c.AddFunc(w.cfg.RecoverSchedule, func() { w.recoverStalled(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid recover schedule %q: %w", w.cfg.RecoverSchedule, err)
	}
	c.Start()

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(runCtx, i)
	}

	w.cron = c
	w.cancel = cancel
	w.started = true

	w.logger.WithField("concurrency", w.cfg.Concurrency).Info("Queue worker started")
	return nil
}

// Stop stops dequeuing and waits for in-flight jobs until ctx expires
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker not started")
	}
	w.started = false
	cancel, c := w.cancel, w.cron
	w.mu.Unlock()

	cancel()
	cronDone := c.Stop()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Queue worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for in-flight jobs: %w", ctx.Err())
	}
}

func (w *Worker) loop(ctx context.Context, slot int) {
	defer w.wg.Done()
	logger := w.logger.WithField("slot", slot)

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Dequeue failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		// Jobs already taken are finished even when the pool is stopping
		w.process(context.WithoutCancel(ctx), job, logger)
	}
}

// process runs the handler with a lock heartbeat and settles the job
func (w *Worker) process(ctx context.Context, job *models.IngestJob, logger *logging.Logger) {
	logger = logger.WithFields(map[string]interface{}{
		"jobId":   job.ID,
		"block":   job.Event.BlockNumber,
		"tokenId": job.Event.TokenID,
		"attempt": job.AttemptsMade + 1,
	})

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeat(hbCtx, job, logger)

	err := w.handler(ctx, job)
	stopHeartbeat()

	if err == nil {
		if cErr := w.queue.Complete(ctx, job); cErr != nil {
			logger.WithError(cErr).Error("Failed to complete job")
		}
		return
	}

	outcome, fErr := w.queue.Fail(ctx, job, err)
	if fErr != nil {
		logger.WithError(fErr).Error("Failed to record job failure")
		return
	}

	switch outcome {
	case FailOutcomeDropped:
		metrics.RecordJobDropped()
		logger.WithError(err).Error("Job failed on its final attempt and was dropped")
	case FailOutcomeMissing:
		logger.WithError(err).Warn("Job failed but its payload is gone, not retrying")
	default:
		logger.WithError(err).WithField("attemptsLeft", job.AttemptsLeft()).Warn("Job failed, retry scheduled")
	}
}

func (w *Worker) heartbeat(ctx context.Context, job *models.IngestJob, logger *logging.Logger) {
	ticker := time.NewTicker(w.queue.lockDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.ExtendLock(ctx, job); err != nil {
				logger.WithError(err).Warn("Failed to extend job lock")
			}
		}
	}
}

func (w *Worker) promote(ctx context.Context) {
	if _, err := w.queue.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
		w.logger.WithError(err).Warn("Failed to promote delayed jobs")
	}

	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth("wait", stats.Waiting)
	metrics.SetQueueDepth("active", stats.Active)
	metrics.SetQueueDepth("delayed", stats.Delayed)
}

func (w *Worker) recoverStalled(ctx context.Context) {
	_, dropped, err := w.queue.RecoverStalled(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.WithError(err).Warn("Failed to recover stalled jobs")
		}
		return
	}
	for range dropped {
		metrics.RecordJobDropped()
	}
}
