package meta

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TenantSettings holds per-tenant ingestion behavior.
type TenantSettings struct {
	TenantID string

	// StrictIngestion rejects payload fields absent from the schema.
	// The default (permissive mode) accepts them.
	StrictIngestion bool

	// DuplicatePolicy overrides the engine-wide duplicate-key policy for
	// this tenant: "reject", "last-write-wins", or "" for the default.
	DuplicatePolicy string

	UpdatedAt time.Time
}

// GetTenantSettings returns the settings for a tenant. A tenant without a
// settings row gets the permissive defaults.
func (d *DB) GetTenantSettings(ctx context.Context, tenantID string) (TenantSettings, error) {
	settings := TenantSettings{TenantID: tenantID}

	var updatedMs int64
	err := d.db.QueryRowContext(ctx, `
		SELECT strict_ingestion, duplicate_policy, updated_at
		FROM tenant_settings WHERE tenant_id = $1
	`, tenantID).Scan(&settings.StrictIngestion, &settings.DuplicatePolicy, &updatedMs)

	if err == sql.ErrNoRows {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("query tenant settings: %w", err)
	}

	settings.UpdatedAt = time.UnixMilli(updatedMs)
	return settings, nil
}

// UpsertTenantSettings stores the settings for a tenant.
func (d *DB) UpsertTenantSettings(ctx context.Context, settings TenantSettings) error {
	now := time.Now().UnixMilli()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO tenant_settings (tenant_id, strict_ingestion, duplicate_policy, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE SET
			strict_ingestion = excluded.strict_ingestion,
			duplicate_policy = excluded.duplicate_policy,
			updated_at = excluded.updated_at
	`, settings.TenantID, settings.StrictIngestion, settings.DuplicatePolicy, now)

	if err != nil {
		return fmt.Errorf("upsert tenant settings: %w", err)
	}
	return nil
}
