package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	apperrors "github.com/sot-ingest/internal/errors"
	"github.com/sot-ingest/internal/models"
)

// LocationRepository handles Sot location persistence
type LocationRepository struct {
	db *PostgresDB
}

// NewLocationRepository creates a new location repository
func NewLocationRepository(db *PostgresDB) *LocationRepository {
	return &LocationRepository{db: db}
}

const locationColumns = `
	uuid, name, image, description, longitude, latitude,
	country, city, grade, unique_id, owner, token_id, block_number, created_at
`

// SaveLocation inserts the record keyed by UniqueID. A record that already
// exists is left untouched and created is false.
func (r *LocationRepository) SaveLocation(ctx context.Context, loc *models.LocationRecord) (bool, error) {
	query := `
		INSERT INTO sots (
			uuid, name, image, description, longitude, latitude, point,
			country, city, grade, unique_id, owner, token_id, block_number, created_at
		)
		VALUES (
			$1, $2, $3, $4, $5, $6, ST_SetSRID(ST_MakePoint($5, $6), 4326),
			$7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (unique_id) DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		loc.UUID,
		loc.Name,
		loc.Image,
		loc.Description,
		loc.Longitude,
		loc.Latitude,
		loc.Country,
		loc.City,
		loc.Grade,
		loc.UniqueID,
		loc.Owner,
		loc.TokenID,
		int64(loc.BlockNumber), // #nosec G115 - block heights fit in int64
		loc.CreatedAt,
	)
	if err != nil {
		return false, apperrors.NewDatabaseError("insert location", err)
	}

	return tag.RowsAffected() == 1, nil
}

// GetByUniqueID retrieves a location by its unique id
func (r *LocationRepository) GetByUniqueID(ctx context.Context, uniqueID string) (*models.LocationRecord, error) {
	query := `SELECT ` + locationColumns + ` FROM sots WHERE unique_id = $1`

	loc, err := scanLocation(r.db.Pool().QueryRow(ctx, query, uniqueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("location", uniqueID)
		}
		return nil, apperrors.NewDatabaseError("get location", err)
	}

	return loc, nil
}

// List returns locations ordered by block, newest first
func (r *LocationRepository) List(ctx context.Context, limit, offset int) ([]*models.LocationRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + locationColumns + `
		FROM sots
		ORDER BY block_number DESC, id DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list locations", err)
	}
	defer rows.Close()

	var locations []*models.LocationRecord
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan location", err)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list locations", err)
	}

	return locations, nil
}

// Count returns the number of stored locations
func (r *LocationRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM sots`).Scan(&n); err != nil {
		return 0, apperrors.NewDatabaseError("count locations", err)
	}
	return n, nil
}

func scanLocation(row pgx.Row) (*models.LocationRecord, error) {
	var loc models.LocationRecord
	var blockNumber int64
	err := row.Scan(
		&loc.UUID,
		&loc.Name,
		&loc.Image,
		&loc.Description,
		&loc.Longitude,
		&loc.Latitude,
		&loc.Country,
		&loc.City,
		&loc.Grade,
		&loc.UniqueID,
		&loc.Owner,
		&loc.TokenID,
		&blockNumber,
		&loc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	loc.BlockNumber = uint64(blockNumber) // #nosec G115 - stored from uint64
	loc.Point = models.NewGeoPoint(loc.Longitude, loc.Latitude)
	return &loc, nil
}
