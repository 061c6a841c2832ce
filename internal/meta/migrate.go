package meta

import (
	"context"
	"fmt"
)

// migrations holds the metadata store DDL. Statements are idempotent and use
// the SQL subset shared by Postgres and SQLite.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schemas (
		tenant_id    TEXT   NOT NULL,
		device_type  TEXT   NOT NULL,
		version      BIGINT NOT NULL,
		definition   TEXT   NOT NULL,
		published_at BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, device_type, version)
	)`,

	`CREATE TABLE IF NOT EXISTS schema_active (
		tenant_id      TEXT   NOT NULL,
		device_type    TEXT   NOT NULL,
		active_version BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, device_type)
	)`,

	`CREATE TABLE IF NOT EXISTS field_mappings (
		tenant_id       TEXT    NOT NULL,
		device_type     TEXT    NOT NULL,
		field_name      TEXT    NOT NULL,
		extraction_path TEXT    NOT NULL,
		data_type       TEXT    NOT NULL,
		friendly_name   TEXT    NOT NULL,
		unit            TEXT    NOT NULL DEFAULT '',
		is_queryable    BOOLEAN NOT NULL,
		is_visible      BOOLEAN NOT NULL,
		origin          TEXT    NOT NULL,
		overridden      BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at      BIGINT  NOT NULL,
		PRIMARY KEY (tenant_id, device_type, field_name)
	)`,

	`CREATE TABLE IF NOT EXISTS tenant_settings (
		tenant_id        TEXT    PRIMARY KEY,
		strict_ingestion BOOLEAN NOT NULL DEFAULT FALSE,
		duplicate_policy TEXT    NOT NULL DEFAULT '',
		updated_at       BIGINT  NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS continuous_aggregates (
		tenant_id         TEXT   NOT NULL,
		device_type       TEXT   NOT NULL,
		field_name        TEXT   NOT NULL,
		bucket_ms         BIGINT NOT NULL,
		aggregation       TEXT   NOT NULL,
		last_refreshed_ms BIGINT NOT NULL DEFAULT 0,
		created_at        BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, device_type, field_name, bucket_ms, aggregation)
	)`,
}

// Migrate creates the metadata tables if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
