// Package storage provides the Postgres, Redis and ClickHouse connections and
// the checkpoint, location and audit repositories built on them.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sot-ingest/internal/config"
)

// PostgresDB holds the pool backing the checkpoint and location repositories
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB opens a pool for cfg and pings it. ctx bounds the whole
// connect, including the ping.
func NewPostgresDB(ctx context.Context, cfg *config.PostgresConfig) (*PostgresDB, error) {
	poolConfig, err := poolConfigFor(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping %s: %w", cfg.Database, err)
	}

	return &PostgresDB{pool: pool}, nil
}

// poolConfigFor maps PostgresConfig onto pgxpool settings. The checkpoint
// CAS and location upserts are single short statements, so a handful of
// warm connections is enough.
func poolConfigFor(cfg *config.PostgresConfig) (*pgxpool.Config, error) {
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("postgres max connections must be positive, got %d", cfg.MaxConnections)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - checked positive above
	poolConfig.MinConns = minConns(cfg.MaxConnections)
	poolConfig.HealthCheckPeriod = time.Minute
	if cfg.MaxConnIdle > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdle
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "sot-ingest"

	return poolConfig, nil
}

// Close closes the pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying pool
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping reports whether Postgres answers, used by /health
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func minConns(maxConns int) int32 {
	if maxConns < 2 {
		return int32(maxConns) // #nosec G115 - bounded by MaxConnections
	}
	return 2
}
