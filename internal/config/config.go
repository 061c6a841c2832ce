// Package config loads and validates the beacond YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/beacon/internal/ingest"
	"github.com/xtxerr/beacon/internal/meta"
	"github.com/xtxerr/beacon/internal/query"
	"github.com/xtxerr/beacon/internal/retention"
	"github.com/xtxerr/beacon/internal/server"
	"github.com/xtxerr/beacon/internal/storage"
)

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches from text to JSON output.
	JSON bool `yaml:"json"`
}

// SlogLevel maps the configured level name to a slog level.
func (c LoggingConfig) SlogLevel() (slog.Level, error) {
	switch c.Level {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", c.Level)
	}
}

// RedisConfig connects the retention locker to Redis. An empty Addr keeps
// locking in-process, which is correct for single-node deployments.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the complete beacond configuration.
type Config struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Metadata  meta.Config      `yaml:"metadata"`
	Storage   storage.Config   `yaml:"storage"`
	Ingest    ingest.Config    `yaml:"ingest"`
	Query     query.Config     `yaml:"query"`
	Retention retention.Config `yaml:"retention"`
	Redis     RedisConfig      `yaml:"redis"`
	Server    server.Config    `yaml:"server"`

	// MappingCacheTTL bounds field-mapping cache staleness.
	MappingCacheTTL time.Duration `yaml:"mapping_cache_ttl"`
}

// Default returns the configuration beacond starts from before the YAML file
// is applied.
func Default() Config {
	cfg := Config{
		Metadata:        meta.DefaultConfig(),
		Storage:         storage.DefaultConfig(),
		Ingest:          ingest.DefaultConfig(),
		Query:           query.DefaultConfig(),
		Retention:       retention.DefaultConfig(),
		Server:          server.DefaultConfig(),
		MappingCacheTTL: 5 * time.Minute,
	}
	cfg.Ingest.DeadLetter = ingest.DeadLetterConfig{
		Dir: "data/deadletters",
		TTL: 30 * 24 * time.Hour,
	}
	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration as a whole.
func (c *Config) Validate() error {
	if _, err := c.Logging.SlogLevel(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Metadata.DSN == "" {
		return fmt.Errorf("metadata: dsn is required")
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if c.Ingest.Shards <= 0 {
		return fmt.Errorf("ingest: shards must be positive")
	}
	if c.Ingest.DeadLetter.Dir == "" {
		return fmt.Errorf("ingest: dead_letter.dir is required")
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server: listen is required")
	}
	return nil
}
