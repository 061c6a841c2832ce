// Package meta provides the metadata store for the beacon telemetry engine.
//
// The metadata store holds schemas, field mappings, tenant settings, and the
// continuous-aggregate registry. It is a separate bounded context from the
// telemetry store: the two share no transactions and are joined only by
// stable (tenant, deviceType, fieldName) identifiers.
//
// The store runs on database/sql. Production deployments use Postgres
// (github.com/lib/pq); tests run against an in-memory SQLite database
// (modernc.org/sqlite). All SQL is written for the dialect both accept.
package meta

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Config holds metadata store configuration.
type Config struct {
	// Driver is the database/sql driver name ("postgres" or "sqlite").
	Driver string `yaml:"driver"`

	// DSN is the connection string.
	DSN string `yaml:"dsn"`

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// QueryTimeout is the default timeout for metadata queries.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:          "postgres",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		QueryTimeout:    10 * time.Second,
	}
}

// DB is the metadata store handle.
//
// DB is safe for concurrent use.
type DB struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

// Open opens the metadata store and verifies the connection.
func Open(cfg Config) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping metadata database: %w", err)
	}

	return &DB{db: db, config: cfg}, nil
}

// OpenWith wraps an already-open *sql.DB. Used by tests.
func OpenWith(db *sql.DB, cfg Config) *DB {
	return &DB{db: db, config: cfg}
}

// Close closes the store.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	return d.db.Close()
}

// SQL returns the underlying connection. Prefer the typed operations.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// QueryTimeout returns the configured default query timeout.
func (d *DB) QueryTimeout() time.Duration {
	if d.config.QueryTimeout <= 0 {
		return 10 * time.Second
	}
	return d.config.QueryTimeout
}

// Transaction executes fn within a database transaction.
//
// If fn returns an error, the transaction is rolled back; otherwise it is
// committed.
func (d *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
