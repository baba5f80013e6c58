package storage

import (
	"testing"
	"time"

	"github.com/sot-ingest/internal/config"
)

// testClickHouse connects to the local ClickHouse or skips
func testClickHouse(t *testing.T) *ClickHouseDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "fingerate",
		User:     "default",
		Password: "clickhouse_dev_password",
	}

	db, err := NewClickHouseDB(testContext(t), cfg)
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	if err := RunClickHouseMigrations(db, "../../migrations/clickhouse"); err != nil {
		t.Skipf("Skipping test - ClickHouse migrations failed: %v", err)
	}
	return db
}

func TestNewClickHouseDB(t *testing.T) {
	db := testClickHouse(t)

	if err := db.Ping(testContext(t)); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if db.Conn() == nil {
		t.Error("Conn() returned nil")
	}
}

func TestClickHouseOptions(t *testing.T) {
	opts := clickHouseOptions(&config.ClickHouseConfig{
		Host:             "ch",
		Port:             "9000",
		Database:         "fingerate",
		MaxOpenConns:     3,
		MaxIdleConns:     8,
		DialTimeout:      2 * time.Second,
		MaxExecutionTime: 30 * time.Second,
	})

	if opts.Addr[0] != "ch:9000" {
		t.Errorf("Addr = %v, want ch:9000", opts.Addr)
	}
	if opts.MaxOpenConns != 3 || opts.MaxIdleConns != 3 {
		t.Errorf("pool = %d open / %d idle, want 3 / 3", opts.MaxOpenConns, opts.MaxIdleConns)
	}
	if opts.DialTimeout != 2*time.Second {
		t.Errorf("DialTimeout = %v, want 2s", opts.DialTimeout)
	}
	if opts.Settings["max_execution_time"] != 30 {
		t.Errorf("max_execution_time = %v, want 30", opts.Settings["max_execution_time"])
	}

	if bare := clickHouseOptions(&config.ClickHouseConfig{Host: "ch", Port: "9000"}); bare.Settings != nil {
		t.Errorf("Settings = %v, want none without a max execution time", bare.Settings)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	content := `-- audit log
CREATE TABLE a (x UInt8)
ENGINE = MergeTree ORDER BY x;

-- second
CREATE TABLE b (y UInt8) ENGINE = Memory;
`
	stmts := splitSQLStatements(content)
	if len(stmts) != 2 {
		t.Fatalf("splitSQLStatements() returned %d statements, want 2", len(stmts))
	}
	if stmts[1] != "CREATE TABLE b (y UInt8) ENGINE = Memory" {
		t.Errorf("unexpected second statement: %q", stmts[1])
	}
}
