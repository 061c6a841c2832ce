package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/telemetry"
)

// DuplicatePolicy decides what happens when a record arrives for a
// (tenant, device, timestamp) key that already holds a row.
type DuplicatePolicy string

const (
	// PolicyReject refuses the duplicate; the original row wins. This is
	// the default: silent overwrites hide device clock bugs.
	PolicyReject DuplicatePolicy = "reject"

	// PolicyLastWriteWins replaces the stored row with the new one.
	PolicyLastWriteWins DuplicatePolicy = "last-write-wins"
)

// ParseDuplicatePolicy maps a policy string to a DuplicatePolicy, defaulting
// to reject for empty or unknown values.
func ParseDuplicatePolicy(s string) DuplicatePolicy {
	if DuplicatePolicy(s) == PolicyLastWriteWins {
		return PolicyLastWriteWins
	}
	return PolicyReject
}

// AppendResult reports the outcome of one batch append. Duplicates holds the
// rejected records so the caller can dead-letter them.
type AppendResult struct {
	Inserted   int
	Replaced   int
	Duplicates []telemetry.Record
}

// Append writes a batch of validated records. The batch commits atomically;
// under PolicyReject, duplicate-key records are reported rather than written
// and do not fail the batch.
func (s *Store) Append(ctx context.Context, batch []telemetry.Record, policy DuplicatePolicy) (AppendResult, error) {
	var result AppendResult
	if len(batch) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, errors.Wrap(err, "begin append")
	}
	defer tx.Rollback()

	type chunkKey struct {
		tenantID   string
		deviceType string
		startMs    int64
	}
	touched := make(map[chunkKey]bool)

	for i := range batch {
		rec := &batch[i]

		custom, err := json.Marshal(rec.Custom)
		if err != nil {
			return result, errors.Wrapf(err, "encode custom fields for %s", rec.Key())
		}

		var quality interface{}
		if rec.Quality >= 0 {
			quality = rec.Quality
		}

		// Guarded insert: zero rows affected means the key is taken.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO telemetry
				(tenant_id, device_id, device_type, ts_ms, schema_version, quality,
				 battery_level, signal_strength, lat, lon, alt, custom)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM telemetry WHERE tenant_id = ? AND device_id = ? AND ts_ms = ?
			)
		`, rec.TenantID, rec.DeviceID, rec.DeviceType, rec.TimestampMs, rec.SchemaVersion, quality,
			rec.System.BatteryLevel, rec.System.SignalStrength, rec.System.Lat, rec.System.Lon, rec.System.Alt,
			string(custom),
			rec.TenantID, rec.DeviceID, rec.TimestampMs)
		if err != nil {
			return result, errors.Wrapf(err, "insert record %s", rec.Key())
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return result, errors.Wrap(err, "rows affected")
		}

		if rows > 0 {
			result.Inserted++
			touched[chunkKey{rec.TenantID, rec.DeviceType, s.chunkStart(rec.TimestampMs)}] = true
			continue
		}

		if policy != PolicyLastWriteWins {
			result.Duplicates = append(result.Duplicates, *rec)
			continue
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE telemetry SET
				device_type = ?, schema_version = ?, quality = ?,
				battery_level = ?, signal_strength = ?, lat = ?, lon = ?, alt = ?,
				custom = ?
			WHERE tenant_id = ? AND device_id = ? AND ts_ms = ?
		`, rec.DeviceType, rec.SchemaVersion, quality,
			rec.System.BatteryLevel, rec.System.SignalStrength, rec.System.Lat, rec.System.Lon, rec.System.Alt,
			string(custom),
			rec.TenantID, rec.DeviceID, rec.TimestampMs)
		if err != nil {
			return result, errors.Wrapf(err, "replace record %s", rec.Key())
		}
		result.Replaced++
	}

	now := nowMs()
	for key := range touched {
		if err := upsertChunk(ctx, tx, key.tenantID, key.deviceType,
			key.startMs, key.startMs+s.cfg.ChunkDuration.Milliseconds(), now); err != nil {
			return result, err
		}
	}

	if err := tx.Commit(); err != nil {
		return result, errors.Wrap(err, "commit append")
	}

	s.mu.Lock()
	s.stats.Appended += int64(result.Inserted)
	s.stats.Replaced += int64(result.Replaced)
	s.stats.DuplicatesSeen += int64(len(result.Duplicates))
	s.mu.Unlock()

	return result, nil
}

// upsertChunk registers a chunk in raw state. An existing row keeps its
// state; a compressed chunk receiving late rows stays compressed and the
// late rows remain queryable from the raw table.
func upsertChunk(ctx context.Context, tx *sql.Tx, tenantID, deviceType string, startMs, endMs, nowMs int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (tenant_id, device_type, chunk_start_ms, chunk_end_ms, state, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, device_type, chunk_start_ms) DO NOTHING
	`, tenantID, deviceType, startMs, endMs, string(ChunkRaw), nowMs)
	if err != nil {
		return errors.Wrap(err, "register chunk")
	}
	return nil
}
