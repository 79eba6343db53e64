package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full runtime configuration. Values load from a YAML
// file when one is given, then environment variables override.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Server   ServerConfig   `yaml:"server"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Backfill BackfillConfig `yaml:"backfill"`
	LogLevel string         `yaml:"log_level"`
}

// UpstreamConfig covers the exchange HTTP and WebSocket endpoints.
type UpstreamConfig struct {
	BaseURL         string `yaml:"base_url"`
	WebSocketURL    string `yaml:"websocket_url"`
	WeightPerMinute int    `yaml:"weight_per_minute"`
	WeightBurst     int    `yaml:"weight_burst"`
}

// DatabaseConfig covers the TimescaleDB connection.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// CacheConfig covers the Redis connection used by the job queue.
type CacheConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig covers the HTTP read API.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IngestConfig covers the hybrid WebSocket-plus-polling stream.
type IngestConfig struct {
	UseHybridMode       bool          `yaml:"use_hybrid_mode"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	FundingPollInterval time.Duration `yaml:"funding_poll_interval"`
	SnapshotInterval    time.Duration `yaml:"snapshot_interval"`
	CaptureCoins        []string      `yaml:"capture_coins"`
}

// BackfillConfig covers historical replay.
type BackfillConfig struct {
	Days          int           `yaml:"days"`
	ChunkInterval time.Duration `yaml:"chunk_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			BaseURL:         "https://api.hyperliquid.xyz",
			WebSocketURL:    "wss://api.hyperliquid.xyz/ws",
			WeightPerMinute: 1200,
			WeightBurst:     300,
		},
		Database: DatabaseConfig{
			URL:             "postgres://localhost:5432/perpfolio?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    10 * time.Second,
		},
		Cache: CacheConfig{
			URL: "redis://localhost:6379/0",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Ingest: IngestConfig{
			UseHybridMode:       true,
			PollInterval:        5 * time.Minute,
			FundingPollInterval: time.Hour,
			SnapshotInterval:    time.Minute,
			CaptureCoins:        []string{"BTC", "ETH", "SOL", "ARB", "AVAX", "DOGE", "LINK", "OP"},
		},
		Backfill: BackfillConfig{
			Days:          30,
			ChunkInterval: time.Second,
			MaxAttempts:   3,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path if
// non-empty, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Upstream.BaseURL, "UPSTREAM_BASE_URL")
	setString(&c.Upstream.WebSocketURL, "WEBSOCKET_URL")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Cache.URL, "CACHE_URL")
	setString(&c.LogLevel, "LOG_LEVEL")
	setInt(&c.Server.Port, "PORT")
	setBool(&c.Ingest.UseHybridMode, "USE_HYBRID_MODE")
	setMillis(&c.Ingest.PollInterval, "POLL_INTERVAL_MS")
	setMillis(&c.Ingest.FundingPollInterval, "FUNDING_POLL_INTERVAL_MS")
	setMillis(&c.Ingest.SnapshotInterval, "SNAPSHOT_INTERVAL_MS")
	setInt(&c.Backfill.Days, "BACKFILL_DAYS")
}

// Validate ensures the configuration is usable before anything connects.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url is required")
	}
	if c.Upstream.WebSocketURL == "" {
		return fmt.Errorf("upstream websocket_url is required")
	}
	if c.Upstream.WeightPerMinute <= 0 {
		return fmt.Errorf("upstream weight_per_minute must be positive, got %d", c.Upstream.WeightPerMinute)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Ingest.PollInterval < time.Second {
		return fmt.Errorf("poll interval %s is below 1s", c.Ingest.PollInterval)
	}
	if c.Ingest.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %s", c.Ingest.SnapshotInterval)
	}
	if c.Backfill.Days <= 0 {
		return fmt.Errorf("backfill days must be positive, got %d", c.Backfill.Days)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
