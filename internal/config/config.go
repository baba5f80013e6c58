// Package config provides configuration management for the SoT ingestion services.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Listener ListenerConfig
	Queue    QueueConfig
	Metadata MetadataConfig
	Audit    AuditConfig
	Logging  LoggingConfig
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Port           string
	Host           string
	RateLimitRPS   int // per client IP, 0 disables
	RateLimitBurst int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	SSLMode        string
	ConnectTimeout time.Duration
	MaxConnIdle    time.Duration
}

// URL returns the postgres:// connection URL, with credentials escaped
func (c PostgresConfig) URL() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	return u.String()
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host             string
	Port             string
	Database         string
	User             string
	Password         string
	MaxOpenConns     int
	MaxIdleConns     int
	DialTimeout      time.Duration
	MaxExecutionTime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainConfig holds the chain client configuration
type ChainConfig struct {
	WSURL           string   // websocket endpoint used for log subscriptions
	RPCURLs         []string // HTTP endpoints used for contract calls, first is primary
	ContractAddress string
	FromAddress     string // optional Transfer "from" filter
	RPCTimeout      time.Duration
	RPCRateLimit    float64 // requests per second, 0 disables throttling
	RPCBurst        int
	LogChunkSize    uint64
	StartBlock      uint64 // first block scanned when no checkpoint is stored
	CooldownTime    time.Duration
}

// ListenerConfig holds chain listener configuration
type ListenerConfig struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	EventBuffer       int
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	Name             string
	Attempts         int
	RemoveOnComplete bool
	Concurrency      int
	BackoffDelay     time.Duration
	LockDuration     time.Duration
	PollTimeout      time.Duration
	PromoteSchedule  string
	RecoverSchedule  string
}

// MetadataConfig holds metadata fetcher configuration
type MetadataConfig struct {
	HTTPTimeout     time.Duration
	MaxBodyBytes    int64
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// AuditConfig controls the ClickHouse ingest audit log
type AuditConfig struct {
	Enabled bool
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional, environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),

			RateLimitRPS:   getEnvAsInt("SERVER_RATE_LIMIT_RPS", 20),
			RateLimitBurst: getEnvAsInt("SERVER_RATE_LIMIT_BURST", 10),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "fingerate"),
				User:           getEnv("POSTGRES_USER", "fingerate"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				ConnectTimeout: getEnvAsDuration("POSTGRES_CONNECT_TIMEOUT", 10*time.Second),
				MaxConnIdle:    getEnvAsDuration("POSTGRES_MAX_CONN_IDLE", 30*time.Minute),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "fingerate"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),

				MaxOpenConns:     getEnvAsInt("CLICKHOUSE_MAX_OPEN_CONNS", 4),
				MaxIdleConns:     getEnvAsInt("CLICKHOUSE_MAX_IDLE_CONNS", 2),
				DialTimeout:      getEnvAsDuration("CLICKHOUSE_DIAL_TIMEOUT", 10*time.Second),
				MaxExecutionTime: getEnvAsDuration("CLICKHOUSE_MAX_EXECUTION_TIME", 60*time.Second),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Chain: ChainConfig{
			WSURL:           getEnv("CHAIN_WS_URL", ""),
			RPCURLs:         getEnvAsList("CHAIN_RPC_URLS"),
			ContractAddress: getEnv("SOT_CONTRACT_ADDRESS", ""),
			FromAddress:     getEnv("SOT_FROM_ADDRESS", ""),
			RPCTimeout:      getEnvAsDuration("CHAIN_RPC_TIMEOUT", 15*time.Second),
			RPCRateLimit:    getEnvAsFloat("CHAIN_RPC_RATE_LIMIT", 20),
			RPCBurst:        getEnvAsInt("CHAIN_RPC_BURST", 5),
			LogChunkSize:    uint64(getEnvAsInt("CHAIN_LOG_CHUNK_SIZE", 2000)), // #nosec G115 - validated below
			CooldownTime:    getEnvAsDuration("CHAIN_RPC_COOLDOWN", 60*time.Second),
			StartBlock:      getEnvAsUint64("CHAIN_START_BLOCK", 0),
		},
		Listener: ListenerConfig{
			ReconnectAttempts: getEnvAsInt("LISTENER_RECONNECT_ATTEMPTS", 5),
			ReconnectDelay:    getEnvAsDuration("LISTENER_RECONNECT_DELAY", 5*time.Second),
			EventBuffer:       getEnvAsInt("LISTENER_EVENT_BUFFER", 256),
		},
		Queue: QueueConfig{
			Name:             getEnv("QUEUE_NAME", "block"),
			Attempts:         getEnvAsInt("QUEUE_ATTEMPTS", 3),
			RemoveOnComplete: getEnvAsBool("QUEUE_REMOVE_ON_COMPLETE", true),
			Concurrency:      getEnvAsInt("QUEUE_CONCURRENCY", 4),
			BackoffDelay:     getEnvAsDuration("QUEUE_BACKOFF_DELAY", 2*time.Second),
			LockDuration:     getEnvAsDuration("QUEUE_LOCK_DURATION", 30*time.Second),
			PollTimeout:      getEnvAsDuration("QUEUE_POLL_TIMEOUT", 5*time.Second),
			PromoteSchedule:  getEnv("QUEUE_PROMOTE_SCHEDULE", "@every 1s"),
			RecoverSchedule:  getEnv("QUEUE_RECOVER_SCHEDULE", "@every 30s"),
		},
		Metadata: MetadataConfig{
			HTTPTimeout:     getEnvAsDuration("METADATA_HTTP_TIMEOUT", 10*time.Second),
			MaxBodyBytes:    int64(getEnvAsInt("METADATA_MAX_BODY_BYTES", 1<<20)),
			BreakerFailures: getEnvAsInt("METADATA_BREAKER_FAILURES", 10),
			BreakerTimeout:  getEnvAsDuration("METADATA_BREAKER_TIMEOUT", 30*time.Second),
		},
		Audit: AuditConfig{
			Enabled: getEnvAsBool("AUDIT_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if config.Chain.LogChunkSize == 0 {
		config.Chain.LogChunkSize = 2000
	}

	return config, nil
}

// ValidateListener checks the settings the chain listener cannot run without
func (c *Config) ValidateListener() error {
	if c.Chain.WSURL == "" {
		return fmt.Errorf("CHAIN_WS_URL is required")
	}
	if c.Chain.ContractAddress == "" {
		return fmt.Errorf("SOT_CONTRACT_ADDRESS is required")
	}
	if c.Listener.ReconnectAttempts <= 0 {
		return fmt.Errorf("LISTENER_RECONNECT_ATTEMPTS must be positive")
	}
	return nil
}

// ValidateProcessor checks the settings the block processor cannot run without
func (c *Config) ValidateProcessor() error {
	if len(c.Chain.RPCURLs) == 0 && c.Chain.WSURL == "" {
		return fmt.Errorf("CHAIN_RPC_URLS or CHAIN_WS_URL is required")
	}
	if c.Chain.ContractAddress == "" {
		return fmt.Errorf("SOT_CONTRACT_ADDRESS is required")
	}
	if c.Queue.Attempts <= 0 {
		return fmt.Errorf("QUEUE_ATTEMPTS must be positive")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated variable, dropping empty entries
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
