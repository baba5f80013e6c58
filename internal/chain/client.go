package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/time/rate"

	"github.com/sot-ingest/internal/config"
	apperrors "github.com/sot-ingest/internal/errors"
	"github.com/sot-ingest/internal/logging"
	"github.com/sot-ingest/internal/models"
)

// LogStreamer opens live log subscriptions, normally an ethclient over websocket
type LogStreamer interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// EthereumClient reads SoT contract state and streams its Transfer events
type EthereumClient struct {
	contract   common.Address
	from       *common.Address
	abi        abi.ABI
	stream     LogStreamer
	pool       *RPCPool
	limiter    *rate.Limiter
	rpcTimeout time.Duration
	chunkSize  uint64
	logger     *logging.Logger
}

// ClientOptions wires an EthereumClient without dialling anything
type ClientOptions struct {
	Contract   string
	From       string
	Stream     LogStreamer
	Pool       *RPCPool
	RateLimit  float64
	Burst      int
	RPCTimeout time.Duration
	ChunkSize  uint64
	Logger     *logging.Logger
}

// NewEthereumClient builds a client from already opened connections
func NewEthereumClient(opts ClientOptions) (*EthereumClient, error) {
	if !common.IsHexAddress(opts.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", opts.Contract)
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("rpc pool cannot be nil")
	}

	parsed, err := ParseABI()
	if err != nil {
		return nil, err
	}

	var from *common.Address
	if opts.From != "" {
		if !common.IsHexAddress(opts.From) {
			return nil, fmt.Errorf("invalid from address %q", opts.From)
		}
		addr := common.HexToAddress(opts.From)
		from = &addr
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	timeout := opts.RPCTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	chunk := opts.ChunkSize
	if chunk == 0 {
		chunk = 2000
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &EthereumClient{
		contract:   common.HexToAddress(opts.Contract),
		from:       from,
		abi:        parsed,
		stream:     opts.Stream,
		pool:       opts.Pool,
		limiter:    limiter,
		rpcTimeout: timeout,
		chunkSize:  chunk,
		logger:     logger.WithComponent("chain_client"),
	}, nil
}

// Dial connects the websocket stream (when streaming) and the HTTP RPC pool
// described by cfg. The websocket URL doubles as the only RPC endpoint when
// no HTTP endpoints are configured.
func Dial(ctx context.Context, cfg *config.ChainConfig, streaming bool, logger *logging.Logger) (*EthereumClient, error) {
	var stream LogStreamer
	if streaming {
		wsClient, err := ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial websocket endpoint: %w", err)
		}
		stream = wsClient
	}

	endpoints := cfg.RPCURLs
	if len(endpoints) == 0 {
		endpoints = []string{cfg.WSURL}
	}

	pool, err := NewRPCPool(ctx, &RPCPoolConfig{
		Endpoints:    endpoints,
		CooldownTime: cfg.CooldownTime,
		Logger:       logger,
	})
	if err != nil {
		if stream != nil {
			stream.Close()
		}
		return nil, err
	}

	client, err := NewEthereumClient(ClientOptions{
		Contract:   cfg.ContractAddress,
		From:       cfg.FromAddress,
		Stream:     stream,
		Pool:       pool,
		RateLimit:  cfg.RPCRateLimit,
		Burst:      cfg.RPCBurst,
		RPCTimeout: cfg.RPCTimeout,
		ChunkSize:  cfg.LogChunkSize,
		Logger:     logger,
	})
	if err != nil {
		pool.Close()
		if stream != nil {
			stream.Close()
		}
		return nil, err
	}
	return client, nil
}

// call throttles, bounds and pools a single RPC
func (c *EthereumClient) call(ctx context.Context, op string, fn func(ctx context.Context, b Backend) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperrors.NewChainError(op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	if err := c.pool.Execute(callCtx, op, func(b Backend) error { return fn(callCtx, b) }); err != nil {
		return apperrors.NewChainError(op, err)
	}
	return nil
}

// SubscribeTransfers streams decoded Transfer events into sink until the
// subscription fails or is unsubscribed. Live subscriptions only deliver
// new blocks; use PastTransfers to replay history.
func (c *EthereumClient) SubscribeTransfers(ctx context.Context, sink chan<- models.ChainEvent) (ethereum.Subscription, error) {
	if c.stream == nil {
		return nil, apperrors.NewChainError("SubscribeTransfers", fmt.Errorf("client has no websocket stream"))
	}

	logs := make(chan types.Log, 128)
	sub, err := c.stream.SubscribeFilterLogs(ctx, TransferQuery(c.contract, c.from, nil, nil), logs)
	if err != nil {
		return nil, apperrors.NewChainError("SubscribeTransfers", err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case l := <-logs:
				ev, err := DecodeTransfer(l)
				if err != nil {
					c.logger.WithError(err).WithField("txHash", l.TxHash.Hex()).Warn("Skipping undecodable log")
					continue
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				if err == nil {
					err = fmt.Errorf("subscription closed")
				}
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// PastTransfers scans [from, to] in windows of the configured chunk size and
// hands each window [start, end] to fn before the next one is fetched. An error from the
// chain or from fn stops the scan; windows already handed over stay handled.
func (c *EthereumClient) PastTransfers(ctx context.Context, from, to uint64, fn func(start, end uint64, events []models.ChainEvent) error) error {
	for start := from; start <= to; start += c.chunkSize {
		end := start + c.chunkSize - 1
		if end > to || end < start {
			end = to
		}

		q := TransferQuery(c.contract, c.from, new(big.Int).SetUint64(start), new(big.Int).SetUint64(end))

		var logs []types.Log
		err := c.call(ctx, "FilterLogs", func(ctx context.Context, b Backend) error {
			var innerErr error
			logs, innerErr = b.FilterLogs(ctx, q)
			return innerErr
		})
		if err != nil {
			return fmt.Errorf("blocks %d..%d: %w", start, end, err)
		}

		events := make([]models.ChainEvent, 0, len(logs))
		for _, l := range logs {
			ev, err := DecodeTransfer(l)
			if err != nil {
				c.logger.WithError(err).WithField("txHash", l.TxHash.Hex()).Warn("Skipping undecodable log")
				continue
			}
			events = append(events, ev)
		}

		if err := fn(start, end, events); err != nil {
			return err
		}

		if end == to {
			break
		}
	}

	return nil
}

// LatestBlock returns the chain head
func (c *EthereumClient) LatestBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.call(ctx, "BlockNumber", func(ctx context.Context, b Backend) error {
		var innerErr error
		head, innerErr = b.BlockNumber(ctx)
		return innerErr
	})
	return head, err
}

// TokenMetadataURL calls getTokenMetaData(tokenId)
func (c *EthereumClient) TokenMetadataURL(ctx context.Context, tokenID string) (string, error) {
	out, err := c.callMethod(ctx, "getTokenMetaData", tokenID)
	if err != nil {
		return "", err
	}
	url, ok := out[0].(string)
	if !ok {
		return "", apperrors.NewChainError("getTokenMetaData", fmt.Errorf("unexpected output type %T", out[0]))
	}
	return url, nil
}

// OwnerOf calls ownerOf(tokenId)
func (c *EthereumClient) OwnerOf(ctx context.Context, tokenID string) (string, error) {
	out, err := c.callMethod(ctx, "ownerOf", tokenID)
	if err != nil {
		return "", err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return "", apperrors.NewChainError("ownerOf", fmt.Errorf("unexpected output type %T", out[0]))
	}
	return owner.Hex(), nil
}

func (c *EthereumClient) callMethod(ctx context.Context, method, tokenID string) ([]interface{}, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return nil, apperrors.NewChainError(method, err)
	}

	data, err := c.abi.Pack(method, id)
	if err != nil {
		return nil, apperrors.NewChainError(method, err)
	}

	var result []byte
	err = c.call(ctx, method, func(ctx context.Context, b Backend) error {
		var innerErr error
		result, innerErr = b.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, apperrors.NewChainError(method, NewAdapterError(method, ErrEmptyResult, map[string]interface{}{"tokenId": tokenID}))
	}

	out, err := c.abi.Unpack(method, result)
	if err != nil {
		return nil, apperrors.NewChainError(method, err)
	}
	if len(out) == 0 {
		return nil, apperrors.NewChainError(method, ErrEmptyResult)
	}
	return out, nil
}

// BlockTimestamp returns the header timestamp of blockNumber in seconds
func (c *EthereumClient) BlockTimestamp(ctx context.Context, blockNumber uint64) (int64, error) {
	var header *types.Header
	err := c.call(ctx, "HeaderByNumber", func(ctx context.Context, b Backend) error {
		var innerErr error
		header, innerErr = b.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
		return innerErr
	})
	if err != nil {
		return 0, err
	}
	if header == nil {
		return 0, apperrors.NewChainError("HeaderByNumber", NewAdapterError("HeaderByNumber", ErrBlockNotFound, map[string]interface{}{"block": blockNumber}))
	}
	return int64(header.Time), nil // #nosec G115 - unix seconds
}

// Close releases the stream and pooled connections
func (c *EthereumClient) Close() {
	if c.stream != nil {
		c.stream.Close()
	}
	c.pool.Close()
}
