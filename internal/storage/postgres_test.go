package storage

import (
	"testing"
	"time"

	"github.com/sot-ingest/internal/config"
)

// testPostgres connects to the local development database or skips
func testPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "fingerate",
		User:           "fingerate",
		Password:       "fingerate_dev_password",
		MaxConnections: 4,
	}

	db, err := NewPostgresDB(testContext(t), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Skipf("Skipping test - migrations failed: %v", err)
	}
	return db
}

func TestNewPostgresDB(t *testing.T) {
	db := testPostgres(t)

	if err := db.Ping(testContext(t)); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}

func TestMinConns(t *testing.T) {
	if got := minConns(1); got != 1 {
		t.Errorf("minConns(1) = %d, want 1", got)
	}
	if got := minConns(50); got != 2 {
		t.Errorf("minConns(50) = %d, want 2", got)
	}
}

func TestPoolConfigFor(t *testing.T) {
	cfg := &config.PostgresConfig{
		Host:           "db",
		Port:           "5432",
		Database:       "fingerate",
		User:           "ingest",
		Password:       "p@ss/w:rd",
		MaxConnections: 8,
		ConnectTimeout: 3 * time.Second,
		MaxConnIdle:    time.Minute,
	}

	poolConfig, err := poolConfigFor(cfg)
	if err != nil {
		t.Fatalf("poolConfigFor() error = %v", err)
	}
	if poolConfig.MaxConns != 8 {
		t.Errorf("MaxConns = %d, want 8", poolConfig.MaxConns)
	}
	if poolConfig.MaxConnIdleTime != time.Minute {
		t.Errorf("MaxConnIdleTime = %v, want 1m", poolConfig.MaxConnIdleTime)
	}
	if poolConfig.ConnConfig.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v, want 3s", poolConfig.ConnConfig.ConnectTimeout)
	}
	if poolConfig.ConnConfig.Password != "p@ss/w:rd" {
		t.Errorf("Password = %q, want the unescaped password", poolConfig.ConnConfig.Password)
	}
	if poolConfig.ConnConfig.RuntimeParams["application_name"] != "sot-ingest" {
		t.Error("application_name not set")
	}
}

func TestPoolConfigFor_RejectsEmptyPool(t *testing.T) {
	if _, err := poolConfigFor(&config.PostgresConfig{Host: "db", Port: "5432"}); err == nil {
		t.Error("poolConfigFor() expected error with zero max connections")
	}
}
