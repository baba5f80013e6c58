package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sot-ingest/internal/models"
)

// AuditRepository writes job outcomes to the ClickHouse ingest_audit table
type AuditRepository struct {
	db *ClickHouseDB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *ClickHouseDB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends one job outcome
func (r *AuditRepository) Record(ctx context.Context, entry *models.IngestAudit) error {
	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO ingest_audit (
			job_id, block_number, token_id, tx_hash, attempt,
			status, category, error, duration_ms, processed_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit batch: %w", err)
	}

	if err := batch.Append(
		entry.JobID,
		entry.BlockNumber,
		entry.TokenID,
		entry.TxHash,
		uint16(entry.Attempt), // #nosec G115 - attempts are single digit
		entry.Status,
		entry.Category,
		entry.Error,
		uint32(entry.Duration.Milliseconds()), // #nosec G115 - job durations are bounded by timeouts
		entry.ProcessedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to append audit row: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send audit batch: %w", err)
	}
	return nil
}

// Recent returns the latest audit rows, newest first
func (r *AuditRepository) Recent(ctx context.Context, limit int) ([]*models.IngestAudit, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := r.db.Conn().Query(ctx, `
		SELECT job_id, block_number, token_id, tx_hash, attempt,
			status, category, error, duration_ms, processed_at
		FROM ingest_audit
		ORDER BY processed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []*models.IngestAudit
	for rows.Next() {
		var (
			entry      models.IngestAudit
			attempt    uint16
			durationMs uint32
		)
		if err := rows.Scan(
			&entry.JobID,
			&entry.BlockNumber,
			&entry.TokenID,
			&entry.TxHash,
			&attempt,
			&entry.Status,
			&entry.Category,
			&entry.Error,
			&durationMs,
			&entry.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entry.Attempt = int(attempt)
		entry.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, &entry)
	}

	return out, rows.Err()
}
