package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

type fakeBackend struct {
	mu        sync.Mutex
	head      uint64
	headers   map[uint64]*types.Header
	logs      []types.Log
	callFn    func(msg ethereum.CallMsg) ([]byte, error)
	err       error
	filterErr map[int]error // keyed by 1-based FilterLogs query number
	queries   []ethereum.FilterQuery
	closed    bool
	callCount int
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	return f.head, f.err
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if f.err != nil {
		return nil, f.err
	}
	return f.headers[number.Uint64()], nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	if err := f.filterErr[len(f.queries)]; err != nil {
		return nil, err
	}
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if f.err != nil {
		return nil, f.err
	}
	return f.callFn(msg)
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

// fakeStream hands the test a channel to push logs into and a feed to
// fail the subscription with
type fakeStream struct {
	mu    sync.Mutex
	sinks []chan<- types.Log
	fail  chan error
}

func newFakeStream() *fakeStream {
	return &fakeStream{fail: make(chan error, 1)}
}

func (s *fakeStream) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	s.mu.Lock()
	s.sinks = append(s.sinks, ch)
	s.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case err := <-s.fail:
			return err
		case <-quit:
			return nil
		}
	}), nil
}

func (s *fakeStream) push(l types.Log) {
	s.mu.Lock()
	sink := s.sinks[len(s.sinks)-1]
	s.mu.Unlock()
	sink <- l
}

func (s *fakeStream) Close() {}
