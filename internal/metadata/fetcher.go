package metadata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sot-ingest/internal/circuitbreaker"
	"github.com/sot-ingest/internal/config"
	apperrors "github.com/sot-ingest/internal/errors"
	"github.com/sot-ingest/internal/logging"
)

// Fetcher downloads metadata documents over HTTP
type Fetcher struct {
	client       *http.Client
	timeout      time.Duration
	maxBodyBytes int64
	breaker      *circuitbreaker.CircuitBreaker
	logger       *logging.Logger
}

// NewFetcher creates a fetcher. A nil client uses a dedicated http.Client.
func NewFetcher(cfg *config.MetadataConfig, client *http.Client, logger *logging.Logger) *Fetcher {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	breakerCfg := circuitbreaker.DefaultConfig("metadata")
	if cfg.BreakerFailures > 0 {
		breakerCfg.MaxFailures = cfg.BreakerFailures
	}
	if cfg.BreakerTimeout > 0 {
		breakerCfg.Timeout = cfg.BreakerTimeout
	}
	breakerCfg.Logger = logger

	return &Fetcher{
		client:       client,
		timeout:      timeout,
		maxBodyBytes: maxBody,
		breaker:      circuitbreaker.NewCircuitBreaker(breakerCfg),
		logger:       logger.WithComponent("metadata_fetcher"),
	}
}

// Fetch downloads and parses the document at url. Transport and status
// failures count against the circuit breaker, parse failures do not.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Document, error) {
	var body []byte

	err := f.breaker.Execute(ctx, func() error {
		var innerErr error
		body, innerErr = f.get(ctx, url)
		return innerErr
	})
	if err != nil {
		f.logger.WithField("url", url).WithError(err).Warn("Metadata fetch failed")
		return nil, apperrors.NewMetadataError(url, err)
	}

	doc, err := Parse(body)
	if err != nil {
		return nil, apperrors.NewMetadataError(url, err)
	}
	return doc, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", f.maxBodyBytes)
	}
	return body, nil
}

// BreakerState exposes the circuit breaker state for health reporting
func (f *Fetcher) BreakerState() circuitbreaker.State {
	return f.breaker.GetState()
}
