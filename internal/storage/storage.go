// Package storage implements the telemetry store.
//
// Records land in a DuckDB table partitioned by time into fixed-duration
// chunks. A chunks table tracks every chunk's lifecycle (raw, compressed,
// expired) so retention work is resumable: compression rewrites a chunk's
// rows into a zstd parquet file and queries read the union of the raw table
// and the compressed files.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
)

var log = logging.Component("storage")

// Config holds telemetry store configuration.
type Config struct {
	// Path is the DuckDB database file. Empty means in-memory, which is
	// only useful for tests.
	Path string `yaml:"path"`

	// DataDir holds compressed chunk parquet files.
	DataDir string `yaml:"data_dir"`

	// MemoryLimit caps DuckDB memory, e.g. "2GB".
	MemoryLimit string `yaml:"memory_limit"`

	// ChunkDuration is the time span covered by one chunk.
	ChunkDuration time.Duration `yaml:"chunk_duration"`

	// CompressionLevel is the zstd level for chunk parquet files (1-22).
	CompressionLevel int `yaml:"compression_level"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:          "data/chunks",
		MemoryLimit:      "1GB",
		ChunkDuration:    24 * time.Hour,
		CompressionLevel: 3,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("chunk_duration must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// Store is the telemetry store. All access is tenant-scoped; the raw table's
// physical key is (tenant_id, device_id, ts_ms), which is what makes
// duplicate detection a primary-key concern rather than a scan.
type Store struct {
	mu  sync.RWMutex
	cfg Config
	db  *sql.DB

	stats Stats
}

// Stats holds store statistics.
type Stats struct {
	Appended         int64
	Replaced         int64
	DuplicatesSeen   int64
	ChunksCompressed int64
	ChunksExpired    int64
	QueryErrors      int64
}

// Open opens the store and creates tables if needed.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		cfg: cfg,
		db:  db,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS telemetry (
			tenant_id       VARCHAR NOT NULL,
			device_id       VARCHAR NOT NULL,
			device_type     VARCHAR NOT NULL,
			ts_ms           BIGINT NOT NULL,
			schema_version  INTEGER NOT NULL,
			quality         INTEGER,
			battery_level   DOUBLE,
			signal_strength DOUBLE,
			lat             DOUBLE,
			lon             DOUBLE,
			alt             DOUBLE,
			custom          VARCHAR NOT NULL,
			PRIMARY KEY (tenant_id, device_id, ts_ms)
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			tenant_id      VARCHAR NOT NULL,
			device_type    VARCHAR NOT NULL,
			chunk_start_ms BIGINT NOT NULL,
			chunk_end_ms   BIGINT NOT NULL,
			state          VARCHAR NOT NULL,
			parquet_path   VARCHAR NOT NULL DEFAULT '',
			row_count      BIGINT NOT NULL DEFAULT 0,
			updated_at_ms  BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, device_type, chunk_start_ms)
		)`,
		`CREATE TABLE IF NOT EXISTS rollups (
			tenant_id       VARCHAR NOT NULL,
			device_type     VARCHAR NOT NULL,
			field_name      VARCHAR NOT NULL,
			bucket_ms       BIGINT NOT NULL,
			bucket_start_ms BIGINT NOT NULL,
			bucket_end_ms   BIGINT NOT NULL,
			cnt             BIGINT NOT NULL,
			sum_v           DOUBLE NOT NULL,
			min_v           DOUBLE NOT NULL,
			max_v           DOUBLE NOT NULL,
			avg_v           DOUBLE NOT NULL,
			p50             DOUBLE,
			p90             DOUBLE,
			p95             DOUBLE,
			p99             DOUBLE,
			first_ts        BIGINT NOT NULL,
			last_ts         BIGINT NOT NULL,
			updated_at_ms   BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, device_type, field_name, bucket_ms, bucket_start_ms)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate telemetry store: %w", err)
		}
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying DuckDB handle to the query engine.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ChunkDuration returns the configured chunk span.
func (s *Store) ChunkDuration() time.Duration {
	return s.cfg.ChunkDuration
}

// chunkStart aligns a timestamp to its chunk boundary.
func (s *Store) chunkStart(tsMs int64) int64 {
	span := s.cfg.ChunkDuration.Milliseconds()
	start := (tsMs / span) * span
	if tsMs < 0 && tsMs%span != 0 {
		start -= span
	}
	return start
}

// chunkFile returns the parquet path for a compressed chunk.
func (s *Store) chunkFile(tenantID, deviceType string, chunkStartMs int64) string {
	name := fmt.Sprintf("%d.parquet", chunkStartMs)
	return filepath.Join(s.cfg.DataDir, tenantID, deviceType, name)
}

// RowCount returns the number of raw rows for a tenant, or all tenants when
// tenantID is empty.
func (s *Store) RowCount(ctx context.Context, tenantID string) (int64, error) {
	query := `SELECT COUNT(*) FROM telemetry`
	args := []interface{}{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count telemetry rows")
	}
	return count, nil
}

// Stats returns current statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
