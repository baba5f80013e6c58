package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sot-ingest/internal/logging"
)

// Backend is the subset of ethclient.Client used for reads
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// DialFunc opens a Backend for an endpoint URL
type DialFunc func(ctx context.Context, url string) (Backend, error)

// DialEthclient dials an endpoint with go-ethereum's ethclient
func DialEthclient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// RPCPool manages multiple RPC endpoints. It sticks to the current endpoint
// until it is rate limited or unreachable, then moves to the next one that
// is not cooling down.
type RPCPool struct {
	endpoints    []string
	clients      []Backend
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time
	cooldownTime time.Duration
	dial         DialFunc
	logger       *logging.Logger
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	Endpoints []string
	// CooldownTime is how long a failed endpoint is skipped. Default: 60s
	CooldownTime time.Duration
	Dial         DialFunc
	Logger       *logging.Logger
}

// NewRPCPool creates a pool and connects to the primary endpoint. Other
// endpoints are dialled lazily.
func NewRPCPool(ctx context.Context, cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	cooldownTime := cfg.CooldownTime
	if cooldownTime == 0 {
		cooldownTime = 60 * time.Second
	}
	dial := cfg.Dial
	if dial == nil {
		dial = DialEthclient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	pool := &RPCPool{
		endpoints:    cfg.Endpoints,
		clients:      make([]Backend, len(cfg.Endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldownTime,
		dial:         dial,
		logger:       logger.WithComponent("rpc_pool"),
	}

	client, err := dial(ctx, cfg.Endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.clients[0] = client

	pool.logger.WithField("endpoints", len(cfg.Endpoints)).Info("RPC pool initialized on primary endpoint")

	return pool, nil
}

// Execute runs fn against the current endpoint, failing over to the next
// available endpoint on rate limit or connection errors. Calls return to the
// primary once its cooldown is over.
func (p *RPCPool) Execute(ctx context.Context, op string, fn func(Backend) error) error {
	var lastErr error

	if p.CurrentIndex() != 0 {
		p.TryResetToPrimary(ctx)
	}

	for attempt := 0; attempt < len(p.endpoints); attempt++ {
		client, index := p.current()

		err := fn(client)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsFailoverError(err) {
			return err
		}

		p.logger.WithFields(map[string]interface{}{
			"op":       op,
			"endpoint": index,
		}).WithError(err).Warn("RPC endpoint failed, failing over")

		if failErr := p.markFailed(ctx, index); failErr != nil {
			break
		}
	}

	return fmt.Errorf("%w: %s: %v", ErrAllEndpointsFailed, op, lastErr)
}

func (p *RPCPool) current() (Backend, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[p.currentIndex], p.currentIndex
}

// markFailed puts the endpoint at index in cooldown and switches to the
// next available one. A concurrent caller may already have switched.
func (p *RPCPool) markFailed(ctx context.Context, index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cooldowns[index] = time.Now()
	if p.currentIndex != index {
		return nil
	}

	for i := 1; i <= len(p.endpoints); i++ {
		next := (index + i) % len(p.endpoints)

		if since, exists := p.cooldowns[next]; exists {
			if time.Since(since) < p.cooldownTime {
				continue
			}
			delete(p.cooldowns, next)
		}

		if err := p.switchToEndpoint(ctx, next); err != nil {
			p.logger.WithField("endpoint", next).WithError(err).Warn("Failed to switch RPC endpoint")
			p.cooldowns[next] = time.Now()
			continue
		}

		p.logger.WithFields(map[string]interface{}{
			"from": index,
			"to":   next,
		}).Info("Switched RPC endpoint")
		return nil
	}

	return fmt.Errorf("%w: all %d endpoints cooling down", ErrAllEndpointsFailed, len(p.endpoints))
}

// switchToEndpoint must be called with the lock held
func (p *RPCPool) switchToEndpoint(ctx context.Context, index int) error {
	if p.clients[index] == nil {
		client, err := p.dial(ctx, p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}

	p.currentIndex = index
	return nil
}

// TryResetToPrimary switches back to the primary endpoint once its cooldown
// has expired
func (p *RPCPool) TryResetToPrimary(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 {
		return true
	}

	if since, exists := p.cooldowns[0]; exists {
		if time.Since(since) < p.cooldownTime {
			return false
		}
		delete(p.cooldowns, 0)
	}

	if err := p.switchToEndpoint(ctx, 0); err != nil {
		p.logger.WithError(err).Warn("Failed to reset to primary endpoint")
		return false
	}

	p.logger.Info("Reset to primary RPC endpoint")
	return true
}

// CurrentIndex returns the index of the endpoint in use
func (p *RPCPool) CurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentIndex
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

// IsFailoverError reports errors worth retrying on another endpoint
func IsFailoverError(err error) bool {
	if IsRateLimitError(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503")
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}
