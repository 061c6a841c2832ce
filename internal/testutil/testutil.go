// Package testutil provides shared helpers for package tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xtxerr/beacon/internal/meta"
)

// NewMetaDB opens an in-memory metadata store with migrations applied.
// The store is closed automatically when the test finishes.
func NewMetaDB(t testing.TB) *meta.DB {
	t.Helper()

	raw, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A single connection keeps every statement on the same in-memory
	// database.
	raw.SetMaxOpenConns(1)

	cfg := meta.DefaultConfig()
	cfg.Driver = "sqlite"
	db := meta.OpenWith(raw, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate metadata store: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// FloatPtr returns a pointer to the given float. Convenient for optional
// schema constraints and system fields in test fixtures.
func FloatPtr(f float64) *float64 { return &f }
