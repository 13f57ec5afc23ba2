// Package config loads skiplock configuration with priority:
// defaults → skiplock.toml → environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/skiplock/skiplock/internal/postgres"
	"github.com/skiplock/skiplock/internal/queue"
)

// Config is the top-level skiplock configuration.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Queue    QueueConfig    `toml:"queue"`
	Logging  LoggingConfig  `toml:"logging"`
}

type DatabaseConfig struct {
	URL              string `toml:"url"`
	MaxConns         int    `toml:"max_conns"`
	MinConns         int    `toml:"min_conns"`
	IdleTimeoutMS    int    `toml:"idle_timeout"`    // milliseconds
	ConnectTimeoutMS int    `toml:"connect_timeout"` // milliseconds
	HealthCheckSecs  int    `toml:"health_check_interval"`
	LogStatements    bool   `toml:"log_statements"`
}

type QueueConfig struct {
	NumWorkers      int      `toml:"num_workers"`
	PollIntervalSec int      `toml:"poll_interval_sec"`
	Tags            []string `toml:"tags"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxConns:         10,
			MinConns:         1,
			IdleTimeoutMS:    300_000,
			ConnectTimeoutMS: 5_000,
			HealthCheckSecs:  30,
		},
		Queue: QueueConfig{
			NumWorkers:      2,
			PollIntervalSec: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the given path (default "skiplock.toml"; a
// missing file is fine), then applies environment overrides and validates.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = "skiplock.toml"
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be at least 1, got %d", c.Database.MaxConns)
	}
	if c.Database.MinConns < 0 {
		return fmt.Errorf("database.min_conns must be non-negative, got %d", c.Database.MinConns)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) cannot exceed database.max_conns (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Queue.NumWorkers < 1 {
		return fmt.Errorf("queue.num_workers must be at least 1, got %d", c.Queue.NumWorkers)
	}
	if c.Queue.PollIntervalSec < 1 {
		return fmt.Errorf("queue.poll_interval_sec must be at least 1, got %d", c.Queue.PollIntervalSec)
	}
	for _, tag := range c.Queue.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("queue.tags must not contain empty tags")
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

// PoolConfig translates the database section into pool settings.
func (c *Config) PoolConfig() postgres.Config {
	return postgres.Config{
		URL:             c.Database.URL,
		MaxConns:        int32(c.Database.MaxConns),
		MinConns:        int32(c.Database.MinConns),
		MaxConnIdleTime: time.Duration(c.Database.IdleTimeoutMS) * time.Millisecond,
		ConnectTimeout:  time.Duration(c.Database.ConnectTimeoutMS) * time.Millisecond,
		HealthCheckSecs: c.Database.HealthCheckSecs,
		LogStatements:   c.Database.LogStatements,
	}
}

// RunOpts translates the queue section into worker pool options.
func (c *Config) RunOpts() queue.RunOpts {
	return queue.RunOpts{
		NumWorkers:   c.Queue.NumWorkers,
		PollInterval: time.Duration(c.Queue.PollIntervalSec) * time.Second,
	}
}

// Logger builds a *slog.Logger per the logging section, writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// envInt reads an integer from the named environment variable. An unset
// variable leaves dest untouched.
func envInt(name string, dest *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q is not an integer", name, v)
	}
	*dest = n
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SKIPLOCK_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if err := envInt("SKIPLOCK_DATABASE_MAX_CONNS", &cfg.Database.MaxConns); err != nil {
		return err
	}
	if err := envInt("SKIPLOCK_DATABASE_MIN_CONNS", &cfg.Database.MinConns); err != nil {
		return err
	}
	if err := envInt("SKIPLOCK_QUEUE_NUM_WORKERS", &cfg.Queue.NumWorkers); err != nil {
		return err
	}
	if err := envInt("SKIPLOCK_QUEUE_POLL_INTERVAL_SEC", &cfg.Queue.PollIntervalSec); err != nil {
		return err
	}
	if v := os.Getenv("SKIPLOCK_QUEUE_TAGS"); v != "" {
		tags := []string{}
		for _, tag := range strings.Split(v, ",") {
			if t := strings.TrimSpace(tag); t != "" {
				tags = append(tags, t)
			}
		}
		cfg.Queue.Tags = tags
	}
	if v := os.Getenv("SKIPLOCK_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SKIPLOCK_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}
