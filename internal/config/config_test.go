package config

import (
	"net/url"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("LISTENER_RECONNECT_DELAY", "2s")
	t.Setenv("CHAIN_RPC_URLS", "http://a:8545, ,http://b:8545")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}

	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}

	if cfg.Listener.ReconnectDelay != 2*time.Second {
		t.Errorf("Listener.ReconnectDelay = %v, want %v", cfg.Listener.ReconnectDelay, 2*time.Second)
	}

	if len(cfg.Chain.RPCURLs) != 2 || cfg.Chain.RPCURLs[1] != "http://b:8545" {
		t.Errorf("Chain.RPCURLs = %v, want two trimmed endpoints", cfg.Chain.RPCURLs)
	}
}

func TestLoadConfig_QueueDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Queue.Name != "block" {
		t.Errorf("Queue.Name = %v, want block", cfg.Queue.Name)
	}
	if cfg.Queue.Attempts != 3 {
		t.Errorf("Queue.Attempts = %v, want 3", cfg.Queue.Attempts)
	}
	if !cfg.Queue.RemoveOnComplete {
		t.Error("Queue.RemoveOnComplete = false, want true")
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "UNSET_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue time.Duration
		want         time.Duration
	}{
		{"parses valid duration", "750ms", time.Second, 750 * time.Millisecond},
		{"falls back on garbage", "soon", time.Second, time.Second},
		{"falls back when unset", "", 3 * time.Second, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.envValue)
			if got := getEnvAsDuration("TEST_DURATION", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateListener(t *testing.T) {
	cfg := &Config{
		Chain:    ChainConfig{WSURL: "ws://localhost:8546", ContractAddress: "0x01"},
		Listener: ListenerConfig{ReconnectAttempts: 5},
	}
	if err := cfg.ValidateListener(); err != nil {
		t.Errorf("ValidateListener() error = %v", err)
	}

	cfg.Chain.WSURL = ""
	if err := cfg.ValidateListener(); err == nil {
		t.Error("ValidateListener() expected error without websocket URL")
	}
}

func TestValidateProcessor(t *testing.T) {
	cfg := &Config{
		Chain: ChainConfig{RPCURLs: []string{"http://localhost:8545"}, ContractAddress: "0x01"},
		Queue: QueueConfig{Attempts: 3, Concurrency: 2},
	}
	if err := cfg.ValidateProcessor(); err != nil {
		t.Errorf("ValidateProcessor() error = %v", err)
	}

	cfg.Queue.Attempts = 0
	if err := cfg.ValidateProcessor(); err == nil {
		t.Error("ValidateProcessor() expected error with zero attempts")
	}
}

func TestPostgresConfig_URL(t *testing.T) {
	c := PostgresConfig{Host: "db", Port: "5432", Database: "fingerate", User: "u", Password: "p"}
	want := "postgres://u:p@db:5432/fingerate?sslmode=disable"
	if got := c.URL(); got != want {
		t.Errorf("URL() = %v, want %v", got, want)
	}
}

func TestPostgresConfig_URLEscapesCredentials(t *testing.T) {
	c := PostgresConfig{Host: "db", Port: "5432", Database: "fingerate", User: "ingest", Password: "p@ss/w:rd", SSLMode: "require"}

	parsed, err := url.Parse(c.URL())
	if err != nil {
		t.Fatalf("URL() not parseable: %v", err)
	}
	if parsed.Host != "db:5432" {
		t.Errorf("Host = %v, want db:5432", parsed.Host)
	}
	if pw, _ := parsed.User.Password(); pw != "p@ss/w:rd" {
		t.Errorf("Password = %v, want p@ss/w:rd", pw)
	}
	if parsed.Path != "/fingerate" {
		t.Errorf("Path = %v, want /fingerate", parsed.Path)
	}
	if got := parsed.Query().Get("sslmode"); got != "require" {
		t.Errorf("sslmode = %v, want require", got)
	}
}

func TestLoadConfig_StartBlock(t *testing.T) {
	t.Setenv("CHAIN_START_BLOCK", "1600000")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Chain.StartBlock != 1600000 {
		t.Errorf("Chain.StartBlock = %v, want 1600000", cfg.Chain.StartBlock)
	}

	t.Setenv("CHAIN_START_BLOCK", "-1")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Chain.StartBlock != 0 {
		t.Errorf("Chain.StartBlock = %v, want 0 for invalid value", cfg.Chain.StartBlock)
	}
}
