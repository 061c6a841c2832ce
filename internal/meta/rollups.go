package meta

import (
	"context"
	"fmt"
	"time"
)

// RollupSpec registers one continuous aggregate: an incrementally maintained
// rollup keyed by (tenant, deviceType, field, bucket, aggregation).
type RollupSpec struct {
	TenantID        string
	DeviceType      string
	FieldName       string
	BucketMs        int64
	Aggregation     string
	LastRefreshedMs int64
	CreatedAt       time.Time
}

// Key returns a stable identifier for the rollup.
func (r RollupSpec) Key() string {
	return fmt.Sprintf("%s/%s/%s/%d/%s", r.TenantID, r.DeviceType, r.FieldName, r.BucketMs, r.Aggregation)
}

// RegisterRollup adds a continuous aggregate to the registry. Registering an
// existing combination is a no-op.
func (d *DB) RegisterRollup(ctx context.Context, spec RollupSpec) error {
	now := time.Now().UnixMilli()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO continuous_aggregates
			(tenant_id, device_type, field_name, bucket_ms, aggregation, last_refreshed_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (tenant_id, device_type, field_name, bucket_ms, aggregation) DO NOTHING
	`, spec.TenantID, spec.DeviceType, spec.FieldName, spec.BucketMs, spec.Aggregation, now)

	if err != nil {
		return fmt.Errorf("register rollup: %w", err)
	}
	return nil
}

// ListRollups returns all registered continuous aggregates, optionally
// filtered by tenant.
func (d *DB) ListRollups(ctx context.Context, tenantID string) ([]RollupSpec, error) {
	query := `
		SELECT tenant_id, device_type, field_name, bucket_ms, aggregation, last_refreshed_ms, created_at
		FROM continuous_aggregates
	`
	args := []interface{}{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY tenant_id, device_type, field_name, bucket_ms, aggregation`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}
	defer rows.Close()

	var specs []RollupSpec
	for rows.Next() {
		var spec RollupSpec
		var createdMs int64
		if err := rows.Scan(
			&spec.TenantID, &spec.DeviceType, &spec.FieldName,
			&spec.BucketMs, &spec.Aggregation, &spec.LastRefreshedMs, &createdMs,
		); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		spec.CreatedAt = time.UnixMilli(createdMs)
		specs = append(specs, spec)
	}

	return specs, rows.Err()
}

// AdvanceRollupWatermark records the newest bucket boundary a rollup refresh
// has committed. Refreshes are resumable from this watermark.
func (d *DB) AdvanceRollupWatermark(ctx context.Context, spec RollupSpec, refreshedMs int64) error {
	result, err := d.db.ExecContext(ctx, `
		UPDATE continuous_aggregates
		SET last_refreshed_ms = $1
		WHERE tenant_id = $2 AND device_type = $3 AND field_name = $4
		  AND bucket_ms = $5 AND aggregation = $6 AND last_refreshed_ms < $7
	`, refreshedMs, spec.TenantID, spec.DeviceType, spec.FieldName,
		spec.BucketMs, spec.Aggregation, refreshedMs)

	if err != nil {
		return fmt.Errorf("advance rollup watermark: %w", err)
	}

	// A watermark that did not move means a concurrent refresher already
	// committed further; that is fine, refreshes are idempotent.
	_, _ = result.RowsAffected()
	return nil
}
