// Package config provides configuration management for the reward settlement services.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Chain      ChainConfig
	Identity   IdentityConfig
	Reward     RewardConfig
	Settlement SettlementConfig
	Notify     NotifyConfig
	Ingest     IngestConfig
	Tokens     []TokenConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
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
}

// URL returns the postgres:// URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration. An empty Host disables the event archive.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	// ArchiveTable receives evaluated engagements
	ArchiveTable string
	// ArchiveBatchSize caps one insert; ArchiveFlushInterval paces them
	ArchiveBatchSize     int
	ArchiveFlushInterval time.Duration
	AsyncInsert          bool
	MaxExecutionTime     time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainConfig holds settlement chain configuration
type ChainConfig struct {
	// Mode is "rpc" for a real node or "simulated" for the in-memory contract
	Mode               string
	RPCURLs            []string
	ChainID            int64
	ContractAddress    string
	ExecutorPrivateKey string
	OwnerPrivateKey    string
	// LogLookbackBlocks bounds the BatchSettled log search during reconciliation
	LogLookbackBlocks uint64
	// RPCBudget is compute units per second shared through Redis by every
	// process using RPCURLs. Zero disables the shared budget.
	RPCBudget         int
	RPCReservedBudget int
	RPCMaxWait        time.Duration
}

// IdentityConfig holds identity provider configuration
type IdentityConfig struct {
	HubURL         string
	NeynarURL      string
	NeynarAPIKey   string
	RequestTimeout time.Duration
	NegativeTTL    time.Duration
	RequestsPerSec float64
}

// RewardConfig holds reward policy configuration
type RewardConfig struct {
	SelfEngagementCheck      string // fid, address, either
	RewardFollowsWithoutCast bool
}

// SettlementConfig holds batch settlement configuration
type SettlementConfig struct {
	Interval       time.Duration
	BatchSize      int
	MaxRetries     int
	ConfirmTimeout time.Duration
	LockTTL        time.Duration
	// MetricsPort serves /metrics and /health for the settler process
	MetricsPort string
}

// NotifyConfig holds notification delivery configuration
type NotifyConfig struct {
	AppURL         string
	RequestTimeout time.Duration
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Concurrency    int
}

// IngestConfig holds webhook ingestion configuration
type IngestConfig struct {
	Workers       int
	QueueSize     int
	WebhookSecret string
	EventTimeout  time.Duration
}

// TokenConfig describes a reward token known to the service
type TokenConfig struct {
	Address  string
	Symbol   string
	Decimals int32
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// defaultTokens is USDC on Base
const defaultTokens = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913:USDC:6"

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	tokens, err := parseTokens(getEnv("REWARD_TOKENS", defaultTokens))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "reward_settler"),
				User:           getEnv("POSTGRES_USER", "settler"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "reward_settler"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),

				ArchiveTable:         getEnv("CLICKHOUSE_ARCHIVE_TABLE", "engagement_events"),
				ArchiveBatchSize:     getEnvAsInt("CLICKHOUSE_ARCHIVE_BATCH_SIZE", 500),
				ArchiveFlushInterval: getEnvAsDuration("CLICKHOUSE_ARCHIVE_FLUSH_INTERVAL", 5*time.Second),
				AsyncInsert:          getEnvAsBool("CLICKHOUSE_ASYNC_INSERT", false),
				MaxExecutionTime:     getEnvAsDuration("CLICKHOUSE_MAX_EXECUTION_TIME", time.Minute),
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
			Mode:               getEnv("CHAIN_MODE", "rpc"),
			RPCURLs:            splitList(getEnv("CHAIN_RPC_URLS", "https://mainnet.base.org")),
			ChainID:            int64(getEnvAsInt("CHAIN_ID", 8453)),
			ContractAddress:    getEnv("TIP_CONTRACT_ADDRESS", ""),
			ExecutorPrivateKey: getEnv("EXECUTOR_PRIVATE_KEY", ""),
			OwnerPrivateKey:    getEnv("OWNER_PRIVATE_KEY", ""),
			LogLookbackBlocks:  uint64(getEnvAsInt("CHAIN_LOG_LOOKBACK_BLOCKS", 5000)),
			RPCBudget:          getEnvAsInt("CHAIN_RPC_BUDGET", 0),
			RPCReservedBudget:  getEnvAsInt("CHAIN_RPC_RESERVED_BUDGET", 0),
			RPCMaxWait:         getEnvAsDuration("CHAIN_RPC_MAX_WAIT", 30*time.Second),
		},
		Identity: IdentityConfig{
			HubURL:         getEnv("FARCASTER_HUB_URL", "https://hub.pinata.cloud"),
			NeynarURL:      getEnv("NEYNAR_API_URL", "https://api.neynar.com"),
			NeynarAPIKey:   getEnv("NEYNAR_API_KEY", ""),
			RequestTimeout: getEnvAsDuration("IDENTITY_REQUEST_TIMEOUT", 5*time.Second),
			NegativeTTL:    getEnvAsDuration("IDENTITY_NEGATIVE_TTL", 2*time.Minute),
			RequestsPerSec: getEnvAsFloat("IDENTITY_REQUESTS_PER_SECOND", 10),
		},
		Reward: RewardConfig{
			SelfEngagementCheck:      getEnv("REWARD_SELF_ENGAGEMENT_CHECK", "either"),
			RewardFollowsWithoutCast: getEnvAsBool("REWARD_FOLLOWS_WITHOUT_CAST", true),
		},
		Settlement: SettlementConfig{
			Interval:       getEnvAsDuration("SETTLEMENT_INTERVAL", time.Minute),
			BatchSize:      getEnvAsInt("SETTLEMENT_BATCH_SIZE", 50),
			MaxRetries:     getEnvAsInt("SETTLEMENT_MAX_RETRIES", 3),
			ConfirmTimeout: getEnvAsDuration("SETTLEMENT_CONFIRM_TIMEOUT", 2*time.Minute),
			LockTTL:        getEnvAsDuration("SETTLEMENT_LOCK_TTL", 10*time.Minute),
			MetricsPort:    getEnv("SETTLER_METRICS_PORT", "9091"),
		},
		Notify: NotifyConfig{
			AppURL:         getEnv("APP_URL", "https://tips.example.app"),
			RequestTimeout: getEnvAsDuration("NOTIFY_REQUEST_TIMEOUT", 5*time.Second),
			MaxAttempts:    getEnvAsInt("NOTIFY_MAX_ATTEMPTS", 4),
			InitialDelay:   getEnvAsDuration("NOTIFY_INITIAL_DELAY", 500*time.Millisecond),
			MaxDelay:       getEnvAsDuration("NOTIFY_MAX_DELAY", 10*time.Second),
			Concurrency:    getEnvAsInt("NOTIFY_CONCURRENCY", 8),
		},
		Ingest: IngestConfig{
			Workers:       getEnvAsInt("INGEST_WORKERS", 8),
			QueueSize:     getEnvAsInt("INGEST_QUEUE_SIZE", 1024),
			WebhookSecret: getEnv("NEYNAR_WEBHOOK_SECRET", ""),
			EventTimeout:  getEnvAsDuration("INGEST_EVENT_TIMEOUT", 30*time.Second),
		},
		Tokens: tokens,
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 50),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	switch c.Chain.Mode {
	case "rpc", "simulated":
	default:
		return fmt.Errorf("invalid CHAIN_MODE %q (must be 'rpc' or 'simulated')", c.Chain.Mode)
	}
	switch c.Reward.SelfEngagementCheck {
	case "fid", "address", "either":
	default:
		return fmt.Errorf("invalid REWARD_SELF_ENGAGEMENT_CHECK %q (must be 'fid', 'address' or 'either')", c.Reward.SelfEngagementCheck)
	}
	if c.Settlement.BatchSize <= 0 {
		return fmt.Errorf("SETTLEMENT_BATCH_SIZE must be positive, got %d", c.Settlement.BatchSize)
	}
	if c.Settlement.MaxRetries <= 0 {
		return fmt.Errorf("SETTLEMENT_MAX_RETRIES must be positive, got %d", c.Settlement.MaxRetries)
	}
	if c.Settlement.ConfirmTimeout <= 0 {
		return fmt.Errorf("SETTLEMENT_CONFIRM_TIMEOUT must be positive, got %s", c.Settlement.ConfirmTimeout)
	}
	// The lock must outlive a receipt wait or another instance can take the token mid-cycle
	if c.Settlement.LockTTL <= c.Settlement.ConfirmTimeout {
		return fmt.Errorf("SETTLEMENT_LOCK_TTL (%s) must be greater than SETTLEMENT_CONFIRM_TIMEOUT (%s)",
			c.Settlement.LockTTL, c.Settlement.ConfirmTimeout)
	}
	if ch := c.Database.ClickHouse; ch.Host != "" && (ch.ArchiveBatchSize <= 0 || ch.ArchiveFlushInterval <= 0) {
		return fmt.Errorf("CLICKHOUSE_ARCHIVE_BATCH_SIZE and CLICKHOUSE_ARCHIVE_FLUSH_INTERVAL must be positive")
	}
	if c.Ingest.Workers <= 0 || c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("INGEST_WORKERS and INGEST_QUEUE_SIZE must be positive")
	}
	return nil
}

// parseTokens parses "address:symbol:decimals" entries separated by commas
func parseTokens(raw string) ([]TokenConfig, error) {
	var tokens []TokenConfig
	for _, item := range splitList(raw) {
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid REWARD_TOKENS entry %q (want address:symbol:decimals)", item)
		}
		decimals, err := strconv.Atoi(parts[2])
		if err != nil || decimals < 0 || decimals > 36 {
			return nil, fmt.Errorf("invalid decimals in REWARD_TOKENS entry %q", item)
		}
		tokens = append(tokens, TokenConfig{
			Address:  strings.ToLower(strings.TrimSpace(parts[0])),
			Symbol:   strings.TrimSpace(parts[1]),
			Decimals: int32(decimals),
		})
	}
	return tokens, nil
}

// splitList splits a comma separated list, dropping empty items
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
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
