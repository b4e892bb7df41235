// Package config provides configuration for the inlet daemon. It supports
// loading from a YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inletmail/inlet/pkg/db"
	"github.com/inletmail/inlet/pkg/dispatch"
)

// Default configuration values.
const (
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultRedisAddr     = "localhost:6379"
	DefaultRunCost       = 1
	DefaultCheckpointTTL = 24 * time.Hour
	DefaultStaleAfter    = 15 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultMetricsAddr   = ":9090"
)

// RedisConfig holds Redis connection settings, shared by the checkpoint
// store, the task locks, and the dispatch queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// PipelineConfig tunes the execution engine.
type PipelineConfig struct {
	// RunCost is the credits charged per billable run.
	RunCost int64 `yaml:"run_cost"`

	// CheckpointTTL bounds how long state snapshots stay resumable.
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`

	// StaleAfter is how long a job may sit in processing before the sweep
	// forcibly fails it.
	StaleAfter time.Duration `yaml:"stale_after"`

	// SweepInterval is how often the stale sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Config is the daemon configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsAddr string `yaml:"metrics_addr"`

	DB       *db.Config                `yaml:"db"`
	Redis    RedisConfig               `yaml:"redis"`
	Pipeline PipelineConfig            `yaml:"pipeline"`
	Queue    dispatch.QueueConfig      `yaml:"queue"`
	Workers  dispatch.DispatcherConfig `yaml:"workers"`
}

// DefaultConfig returns a Config with default values. Database settings come
// from the DB_* environment (see db.ConfigFromEnv).
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    DefaultLogLevel,
		LogFormat:   DefaultLogFormat,
		MetricsAddr: DefaultMetricsAddr,
		DB:          db.ConfigFromEnv(),
		Redis:       RedisConfig{Addr: DefaultRedisAddr},
		Pipeline: PipelineConfig{
			RunCost:       DefaultRunCost,
			CheckpointTTL: DefaultCheckpointTTL,
			StaleAfter:    DefaultStaleAfter,
			SweepInterval: DefaultSweepInterval,
		},
		Queue:   dispatch.DefaultQueueConfig(),
		Workers: dispatch.DefaultDispatcherConfig(),
	}
}

// Load builds the configuration in override order: defaults, then the YAML
// file at path (skipped when path is empty or absent), then INLET_* and DB_*
// environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := loadFromFile(cfg, path); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("INLET_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("INLET_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("INLET_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("INLET_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("INLET_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("INLET_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("INLET_RUN_COST"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Pipeline.RunCost = n
		}
	}
	if v := os.Getenv("INLET_CHECKPOINT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.CheckpointTTL = d
		}
	}
	if v := os.Getenv("INLET_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.StaleAfter = d
		}
	}
	if v := os.Getenv("INLET_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.SweepInterval = d
		}
	}
	if v := os.Getenv("INLET_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Workers = n
		}
	}
}

// Validate checks the configuration for missing or inconsistent settings.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.DB == nil {
		return fmt.Errorf("database configuration is required")
	}
	if err := c.DB.Validate(); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	if c.Pipeline.RunCost <= 0 {
		return fmt.Errorf("pipeline run_cost must be positive, got %d", c.Pipeline.RunCost)
	}
	if c.Pipeline.CheckpointTTL <= 0 {
		return fmt.Errorf("pipeline checkpoint_ttl must be positive")
	}
	if c.Pipeline.StaleAfter <= 0 {
		return fmt.Errorf("pipeline stale_after must be positive")
	}
	if c.Pipeline.SweepInterval <= 0 {
		return fmt.Errorf("pipeline sweep_interval must be positive")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("queue max_retries must be positive")
	}
	return nil
}
