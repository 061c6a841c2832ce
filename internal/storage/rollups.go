package storage

import (
	"context"
	"database/sql"

	"github.com/xtxerr/beacon/internal/aggregate"
	"github.com/xtxerr/beacon/internal/errors"
)

// UpsertRollups persists completed rollup buckets for one bucket size.
// Refreshes are idempotent: recomputing a window overwrites the buckets it
// already wrote, so a refresh interrupted mid-window can simply rerun.
func (s *Store) UpsertRollups(ctx context.Context, bucketMs int64, results []aggregate.Result) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin rollup upsert")
	}
	defer tx.Rollback()

	now := nowMs()
	for _, r := range results {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rollups
				(tenant_id, device_type, field_name, bucket_ms, bucket_start_ms, bucket_end_ms,
				 cnt, sum_v, min_v, max_v, avg_v, p50, p90, p95, p99, first_ts, last_ts, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, device_type, field_name, bucket_ms, bucket_start_ms) DO UPDATE SET
				bucket_end_ms = excluded.bucket_end_ms,
				cnt           = excluded.cnt,
				sum_v         = excluded.sum_v,
				min_v         = excluded.min_v,
				max_v         = excluded.max_v,
				avg_v         = excluded.avg_v,
				p50           = excluded.p50,
				p90           = excluded.p90,
				p95           = excluded.p95,
				p99           = excluded.p99,
				first_ts      = excluded.first_ts,
				last_ts       = excluded.last_ts,
				updated_at_ms = excluded.updated_at_ms
		`,
			r.TenantID, r.DeviceType, r.FieldName, bucketMs, r.BucketStart, r.BucketEnd,
			r.Count, r.Sum, r.Min, r.Max, r.Avg,
			nullable(r.P50), nullable(r.P90), nullable(r.P95), nullable(r.P99),
			r.FirstTs, r.LastTs, now,
		)
		if err != nil {
			return errors.Wrapf(err, "upsert rollup bucket %s/%s/%s@%d",
				r.TenantID, r.DeviceType, r.FieldName, r.BucketStart)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit rollup upsert")
	}
	return nil
}

// QueryRollups returns the persisted buckets of one series and bucket size
// whose start falls in [startMs, endMs), oldest first.
func (s *Store) QueryRollups(ctx context.Context, tenantID, deviceType, fieldName string, bucketMs, startMs, endMs int64) ([]aggregate.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, device_type, field_name, bucket_start_ms, bucket_end_ms,
		       cnt, sum_v, min_v, max_v, avg_v, p50, p90, p95, p99, first_ts, last_ts
		FROM rollups
		WHERE tenant_id = ? AND device_type = ? AND field_name = ? AND bucket_ms = ?
		  AND bucket_start_ms >= ? AND bucket_start_ms < ?
		ORDER BY bucket_start_ms
	`, tenantID, deviceType, fieldName, bucketMs, startMs, endMs)
	if err != nil {
		return nil, errors.Wrap(err, "query rollups")
	}
	defer rows.Close()

	var results []aggregate.Result
	for rows.Next() {
		var r aggregate.Result
		var p50, p90, p95, p99 sql.NullFloat64
		if err := rows.Scan(
			&r.TenantID, &r.DeviceType, &r.FieldName, &r.BucketStart, &r.BucketEnd,
			&r.Count, &r.Sum, &r.Min, &r.Max, &r.Avg,
			&p50, &p90, &p95, &p99, &r.FirstTs, &r.LastTs,
		); err != nil {
			return nil, errors.Wrap(err, "scan rollup bucket")
		}
		r.P50 = nullFloat(p50)
		r.P90 = nullFloat(p90)
		r.P95 = nullFloat(p95)
		r.P99 = nullFloat(p99)
		results = append(results, r)
	}
	return results, rows.Err()
}

func nullable(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
