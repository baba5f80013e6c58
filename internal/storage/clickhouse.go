package storage

import (
	"context"
	"fmt"
	"net"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/sot-ingest/internal/config"
)

// ClickHouseDB holds the connection used by the ingest audit log
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB opens and pings a ClickHouse connection within ctx
func NewClickHouseDB(ctx context.Context, cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(clickHouseOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// clickHouseOptions maps ClickHouseConfig onto driver options. Audit writes
// are one row per job, so the pool stays small unless configured otherwise.
func clickHouseOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout:      cfg.DialTimeout,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
	if cfg.MaxExecutionTime > 0 {
		opts.Settings = clickhouse.Settings{
			"max_execution_time": int(cfg.MaxExecutionTime.Seconds()),
		}
	}
	if opts.MaxIdleConns > opts.MaxOpenConns && opts.MaxOpenConns > 0 {
		opts.MaxIdleConns = opts.MaxOpenConns
	}
	return opts
}

// Close closes the connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying driver connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Ping reports whether ClickHouse answers, used by /health
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}
