// Package processor turns one queued Transfer event into a persisted
// location record and advances the block checkpoint.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/sot-ingest/internal/errors"
	"github.com/sot-ingest/internal/logging"
	"github.com/sot-ingest/internal/metadata"
	"github.com/sot-ingest/internal/metrics"
	"github.com/sot-ingest/internal/models"
)

// TokenReader is the chain state the processor needs per event
type TokenReader interface {
	TokenMetadataURL(ctx context.Context, tokenID string) (string, error)
	OwnerOf(ctx context.Context, tokenID string) (string, error)
	BlockTimestamp(ctx context.Context, blockNumber uint64) (int64, error)
}

// MetadataFetcher resolves a metadata URL into a parsed document
type MetadataFetcher interface {
	Fetch(ctx context.Context, url string) (*metadata.Document, error)
}

// LocationStore persists location records keyed by UniqueID
type LocationStore interface {
	SaveLocation(ctx context.Context, loc *models.LocationRecord) (bool, error)
}

// CheckpointStore advances the processed block height, never lowering it
type CheckpointStore interface {
	Advance(ctx context.Context, height uint64) (bool, error)
}

// AuditSink receives one entry per handled job
type AuditSink interface {
	Record(ctx context.Context, entry *models.IngestAudit) error
}

// Processor handles block queue jobs
type Processor struct {
	tokens      TokenReader
	fetcher     MetadataFetcher
	locations   LocationStore
	checkpoints CheckpointStore
	audit       AuditSink
	newID       func() string
	logger      *logging.Logger
}

// Option configures a Processor
type Option func(*Processor)

// WithAudit records every job outcome in sink
func WithAudit(sink AuditSink) Option {
	return func(p *Processor) { p.audit = sink }
}

// WithLogger sets the processor logger
func WithLogger(logger *logging.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// NewProcessor wires a processor from its collaborators
func NewProcessor(tokens TokenReader, fetcher MetadataFetcher, locations LocationStore, checkpoints CheckpointStore, opts ...Option) *Processor {
	p := &Processor{
		tokens:      tokens,
		fetcher:     fetcher,
		locations:   locations,
		checkpoints: checkpoints,
		newID:       uuid.NewString,
		logger:      logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("block_processor")
	return p
}

// Handle is the queue handler: nil completes the job, an error spends an attempt
func (p *Processor) Handle(ctx context.Context, job *models.IngestJob) error {
	start := time.Now()
	logger := p.logger.WithFields(map[string]interface{}{
		"jobId":   job.ID,
		"block":   job.Event.BlockNumber,
		"tokenId": job.Event.TokenID,
		"attempt": job.AttemptsMade + 1,
	})

	loc, err := p.Process(ctx, job.Event)
	duration := time.Since(start)

	status, category := "completed", ""
	if err != nil {
		status, category = "failed", string(apperrors.CategoryOf(err))
		logger.WithError(err).WithFields(map[string]interface{}{
			"category":  category,
			"retryable": apperrors.IsRetryable(err),
		}).Error("Block processing failed")
	} else {
		logger.WithFields(map[string]interface{}{
			"uniqueId": loc.UniqueID,
			"duration": duration.String(),
		}).Info("Block processed")
	}
	metrics.RecordJob(status, category, duration)
	p.recordAudit(ctx, job, status, category, err, duration)

	return err
}

// Process runs the ingest steps for a single event and returns the record
// that is now stored for it
func (p *Processor) Process(ctx context.Context, ev models.ChainEvent) (*models.LocationRecord, error) {
	if ev.TokenID == "" {
		return nil, apperrors.NewInvalidParameterError("tokenId", "empty")
	}

	url, err := p.tokens.TokenMetadataURL(ctx, ev.TokenID)
	if err != nil {
		return nil, fmt.Errorf("resolve metadata url: %w", err)
	}

	owner, err := p.tokens.OwnerOf(ctx, ev.TokenID)
	if err != nil {
		return nil, fmt.Errorf("resolve owner: %w", err)
	}

	timestamp, err := p.tokens.BlockTimestamp(ctx, ev.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("resolve block timestamp: %w", err)
	}

	doc, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}

	loc := buildLocation(p.newID(), ev, doc, owner, timestamp)

	created, err := p.locations.SaveLocation(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("save location: %w", err)
	}
	metrics.RecordLocation(created)
	if !created {
		p.logger.WithFields(map[string]interface{}{
			"uniqueId": loc.UniqueID,
			"block":    ev.BlockNumber,
		}).Info("Location already stored, skipping insert")
	}

	// the checkpoint only moves once the record is committed
	moved, err := p.checkpoints.Advance(ctx, ev.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("advance checkpoint: %w", err)
	}
	if moved {
		metrics.SetCheckpoint(ev.BlockNumber)
	}

	return loc, nil
}

func buildLocation(id string, ev models.ChainEvent, doc *metadata.Document, owner string, timestamp int64) *models.LocationRecord {
	return &models.LocationRecord{
		UUID:        id,
		Name:        doc.Name,
		Image:       doc.Image,
		Description: doc.Description,
		Longitude:   doc.Longitude,
		Latitude:    doc.Latitude,
		Point:       models.NewGeoPoint(doc.Longitude, doc.Latitude),
		Country:     doc.Country,
		City:        doc.City,
		Grade:       doc.Grade,
		UniqueID:    doc.UUID,
		Owner:       owner,
		TokenID:     ev.TokenID,
		BlockNumber: ev.BlockNumber,
		CreatedAt:   timestamp,
	}
}

func (p *Processor) recordAudit(ctx context.Context, job *models.IngestJob, status, category string, jobErr error, duration time.Duration) {
	if p.audit == nil {
		return
	}

	entry := &models.IngestAudit{
		JobID:       job.ID,
		BlockNumber: job.Event.BlockNumber,
		TokenID:     job.Event.TokenID,
		TxHash:      job.Event.TxHash,
		Attempt:     job.AttemptsMade + 1,
		Status:      status,
		Category:    category,
		Duration:    duration,
		ProcessedAt: time.Now().UTC(),
	}
	if jobErr != nil {
		entry.Error = jobErr.Error()
	}

	if err := p.audit.Record(ctx, entry); err != nil {
		p.logger.WithError(err).WithField("jobId", job.ID).Warn("Failed to write ingest audit entry")
	}
}
