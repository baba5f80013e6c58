// Package listener keeps a live subscription to the SoT contract's Transfer
// events and turns every event into a block queue job. After a disconnect it
// resumes from the block after the stored checkpoint.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"

	"github.com/sot-ingest/internal/logging"
	"github.com/sot-ingest/internal/metrics"
	"github.com/sot-ingest/internal/models"
	"github.com/sot-ingest/internal/retry"
)

// State is a listener lifecycle state
type State string

const (
	StateSubscribing  State = "subscribing"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

var allStates = []string{
	string(StateSubscribing),
	string(StateStreaming),
	string(StateReconnecting),
	string(StateFailed),
	string(StateStopped),
}

// ErrReconnectExhausted is returned by Run once the reconnect budget is spent
var ErrReconnectExhausted = errors.New("listener reconnect attempts exhausted")

// ChainClient is the event source
type ChainClient interface {
	SubscribeTransfers(ctx context.Context, sink chan<- models.ChainEvent) (ethereum.Subscription, error)
	PastTransfers(ctx context.Context, from, to uint64, fn func(start, end uint64, events []models.ChainEvent) error) error
	LatestBlock(ctx context.Context) (uint64, error)
}

// CheckpointReader returns the last fully processed block
type CheckpointReader interface {
	Read(ctx context.Context) (uint64, error)
}

// Enqueuer hands events to the block queue
type Enqueuer interface {
	Enqueue(ctx context.Context, event models.ChainEvent) (*models.IngestJob, error)
}

// Config bounds reconnect behaviour
type Config struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	EventBuffer       int
	StartBlock        uint64 // replay never starts below this block
}

// Listener drives the subscription state machine
type Listener struct {
	client      ChainClient
	checkpoints CheckpointReader
	queue       Enqueuer
	cfg         Config
	logger      *logging.Logger

	// replayedTo is the last block whose replay window was fully enqueued
	// during the current subscribe attempts. Only Run's goroutine touches it.
	replayedTo uint64

	mu           sync.RWMutex
	state        State
	onTransition func(from, to State)
}

// New creates a listener in the Subscribing state
func New(client ChainClient, checkpoints CheckpointReader, queue Enqueuer, cfg Config, logger *logging.Logger) *Listener {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Listener{
		client:      client,
		checkpoints: checkpoints,
		queue:       queue,
		cfg:         cfg,
		logger:      logger.WithComponent("chain_listener"),
		state:       StateSubscribing,
	}
}

// OnTransition registers a hook called on every state change
func (l *Listener) OnTransition(fn func(from, to State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTransition = fn
}

// State returns the current state
func (l *Listener) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Listener) setState(to State) {
	l.mu.Lock()
	from := l.state
	l.state = to
	hook := l.onTransition
	l.mu.Unlock()

	metrics.SetListenerState(string(to), allStates)
	if from != to {
		l.logger.WithFields(map[string]interface{}{"from": from, "to": to}).Info("Listener state changed")
		if hook != nil {
			hook(from, to)
		}
	}
}

// Run blocks until ctx is cancelled (nil) or the reconnect budget is
// exhausted (ErrReconnectExhausted)
func (l *Listener) Run(ctx context.Context) error {
	l.setState(StateSubscribing)

	sub, sink, err := l.subscribe(ctx)
	for {
		if ctx.Err() != nil {
			l.setState(StateStopped)
			return nil
		}

		if err == nil {
			// a later disconnect replays from the checkpoint again
			l.replayedTo = 0
			l.setState(StateStreaming)
			err = l.stream(ctx, sub, sink)
			if ctx.Err() != nil {
				l.setState(StateStopped)
				return nil
			}
			l.logger.WithError(err).Warn("Subscription dropped")
		} else {
			l.logger.WithError(err).Warn("Subscription failed")
		}

		l.setState(StateReconnecting)
		sub, sink, err = l.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.setState(StateStopped)
				return nil
			}
			l.setState(StateFailed)
			l.logger.WithError(err).Error("Listener giving up, restart required")
			return err
		}
	}
}

// reconnect resubscribes with a fixed delay before every attempt
func (l *Listener) reconnect(ctx context.Context) (ethereum.Subscription, chan models.ChainEvent, error) {
	var (
		sub  ethereum.Subscription
		sink chan models.ChainEvent
	)

	select {
	case <-time.After(l.cfg.ReconnectDelay):
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	cfg := retry.FixedConfig(l.cfg.ReconnectAttempts, l.cfg.ReconnectDelay)
	result := retry.WithExponentialBackoff(logging.WithLogger(ctx, l.logger), cfg, func(ctx context.Context, attempt int) error {
		metrics.RecordReconnect()
		l.logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": cfg.MaxAttempts,
		}).Info("Resubscribing to Transfer events")

		s, k, err := l.subscribe(ctx)
		if err != nil {
			return err
		}
		sub, sink = s, k
		return nil
	})
	if !result.Success {
		return nil, nil, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, result.Attempts, result.LastError)
	}
	return sub, sink, nil
}

// subscribe opens the live stream and replays the blocks up to head that
// may not have been processed yet. Live events that arrive during the replay
// wait in the sink buffer.
func (l *Listener) subscribe(ctx context.Context) (ethereum.Subscription, chan models.ChainEvent, error) {
	checkpoint, err := l.checkpoints.Read(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read checkpoint: %w", err)
	}
	from := l.replayFrom(checkpoint)

	sink := make(chan models.ChainEvent, l.cfg.EventBuffer)
	sub, err := l.client.SubscribeTransfers(ctx, sink)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	head, err := l.client.LatestBlock(ctx)
	if err != nil {
		sub.Unsubscribe()
		return nil, nil, fmt.Errorf("latest block: %w", err)
	}

	l.logger.WithFields(map[string]interface{}{
		"checkpoint": checkpoint,
		"fromBlock":  from,
		"head":       head,
	}).Info("Subscribed to Transfer events")

	if head >= from {
		replayed := 0
		err := l.client.PastTransfers(ctx, from, head, func(start, end uint64, events []models.ChainEvent) error {
			for _, ev := range events {
				if err := l.enqueue(ctx, ev, "replay"); err != nil {
					return err
				}
			}
			replayed += len(events)
			l.replayedTo = end
			return nil
		})
		if replayed > 0 {
			l.logger.WithFields(map[string]interface{}{
				"events":     replayed,
				"replayedTo": l.replayedTo,
			}).Info("Replayed events since checkpoint")
		}
		if err != nil {
			sub.Unsubscribe()
			return nil, nil, fmt.Errorf("replay %d..%d: %w", from, head, err)
		}
	}

	return sub, sink, nil
}

// replayFrom is the first block to replay: after the checkpoint, not below
// the configured start block, and past windows already enqueued by an
// earlier attempt that failed midway
func (l *Listener) replayFrom(checkpoint uint64) uint64 {
	from := checkpoint + 1
	if from < l.cfg.StartBlock {
		from = l.cfg.StartBlock
	}
	if l.replayedTo >= from {
		from = l.replayedTo + 1
	}
	return from
}

// stream enqueues live events until the subscription fails or ctx ends
func (l *Listener) stream(ctx context.Context, sub ethereum.Subscription, sink <-chan models.ChainEvent) error {
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sink:
			// live events are not replayed, a failed enqueue drops the event
			_ = l.enqueue(ctx, ev, "live")
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return errors.New("subscription closed")
			}
			return err
		}
	}
}

// enqueue hands one event to the queue. Events removed by a reorg are
// skipped.
func (l *Listener) enqueue(ctx context.Context, ev models.ChainEvent, source string) error {
	logger := l.logger.WithFields(map[string]interface{}{
		"block":   ev.BlockNumber,
		"tokenId": ev.TokenID,
		"txHash":  ev.TxHash,
		"source":  source,
	})

	if ev.Removed {
		logger.Warn("Ignoring Transfer removed by reorg")
		return nil
	}

	metrics.RecordEventReceived(source)

	job, err := l.queue.Enqueue(ctx, ev)
	if err != nil {
		metrics.RecordEnqueueFailure()
		logger.WithError(err).Error("Failed to enqueue event")
		return err
	}

	logger.WithField("jobId", job.ID).Info("Transfer event received")
	return nil
}
