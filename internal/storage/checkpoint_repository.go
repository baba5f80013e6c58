package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	apperrors "github.com/sot-ingest/internal/errors"
	"github.com/sot-ingest/internal/models"
)

// CheckpointRepository persists the processing height in sot_blocks
type CheckpointRepository struct {
	db *PostgresDB
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *PostgresDB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Read returns the stored height, or 0 when no checkpoint row exists yet
func (r *CheckpointRepository) Read(ctx context.Context) (uint64, error) {
	cp, err := r.Get(ctx)
	if err != nil {
		return 0, err
	}
	if cp == nil {
		return 0, nil
	}
	return cp.BlockNumber, nil
}

// Get returns the checkpoint row, or nil when absent
func (r *CheckpointRepository) Get(ctx context.Context) (*models.Checkpoint, error) {
	query := `
		SELECT key_name, block_number, updated_at
		FROM sot_blocks
		WHERE key_name = $1
	`

	var cp models.Checkpoint
	var height int64
	err := r.db.Pool().QueryRow(ctx, query, models.CheckpointKey).Scan(
		&cp.KeyName,
		&height,
		&cp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("read checkpoint", err)
	}

	cp.BlockNumber = uint64(height) // #nosec G115 - column is CHECK (>= 0)
	return &cp, nil
}

// Advance moves the checkpoint to height only if height is greater than the
// stored value. It reports whether the row changed. Concurrent processors
// completing out of order therefore never move the checkpoint backwards.
func (r *CheckpointRepository) Advance(ctx context.Context, height uint64) (bool, error) {
	query := `
		INSERT INTO sot_blocks (key_name, block_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key_name) DO UPDATE
		SET block_number = EXCLUDED.block_number,
			updated_at = EXCLUDED.updated_at
		WHERE sot_blocks.block_number < EXCLUDED.block_number
	`

	tag, err := r.db.Pool().Exec(ctx, query, models.CheckpointKey, int64(height)) // #nosec G115 - block heights fit in int64
	if err != nil {
		return false, apperrors.NewDatabaseError("advance checkpoint", fmt.Errorf("height %d: %w", height, err))
	}

	return tag.RowsAffected() == 1, nil
}
