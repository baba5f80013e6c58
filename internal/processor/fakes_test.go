package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sot-ingest/internal/metadata"
	"github.com/sot-ingest/internal/models"
)

type fakeTokens struct {
	urls       map[string]string
	owners     map[string]string
	timestamps map[uint64]int64
	err        error
}

func (f *fakeTokens) TokenMetadataURL(ctx context.Context, tokenID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	url, ok := f.urls[tokenID]
	if !ok {
		return "", fmt.Errorf("unknown token %s", tokenID)
	}
	return url, nil
}

func (f *fakeTokens) OwnerOf(ctx context.Context, tokenID string) (string, error) {
	return f.owners[tokenID], nil
}

func (f *fakeTokens) BlockTimestamp(ctx context.Context, blockNumber uint64) (int64, error) {
	ts, ok := f.timestamps[blockNumber]
	if !ok {
		return 0, fmt.Errorf("block %d not found", blockNumber)
	}
	return ts, nil
}

// fakeFetcher serves raw documents by URL through the real parser
type fakeFetcher struct {
	docs map[string]string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*metadata.Document, error) {
	body, ok := f.docs[url]
	if !ok {
		return nil, errors.New("404")
	}
	return metadata.Parse([]byte(body))
}

type memLocations struct {
	mu      sync.Mutex
	records map[string]*models.LocationRecord
	err     error
}

func newMemLocations() *memLocations {
	return &memLocations{records: make(map[string]*models.LocationRecord)}
}

func (m *memLocations) SaveLocation(ctx context.Context, loc *models.LocationRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, exists := m.records[loc.UniqueID]; exists {
		return false, nil
	}
	cp := *loc
	m.records[loc.UniqueID] = &cp
	return true, nil
}

func (m *memLocations) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// memCheckpoint mirrors the conditional upsert: it only ever moves up
type memCheckpoint struct {
	mu     sync.Mutex
	height uint64
}

func (m *memCheckpoint) Advance(ctx context.Context, height uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height <= m.height {
		return false, nil
	}
	m.height = height
	return true, nil
}

func (m *memCheckpoint) Read(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []*models.IngestAudit
}

func (m *memAudit) Record(ctx context.Context, entry *models.IngestAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}
