package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/beacon/internal/errors"
)

// ChunkState is a chunk's position in its lifecycle.
type ChunkState string

const (
	// ChunkRaw means the chunk's rows live in the telemetry table.
	ChunkRaw ChunkState = "raw"
	// ChunkCompressed means the rows were rewritten into a parquet file.
	ChunkCompressed ChunkState = "compressed"
	// ChunkExpired means the rows were dropped by retention.
	ChunkExpired ChunkState = "expired"
)

// Chunk is one fixed-duration time slice of a (tenant, deviceType)
// partition.
type Chunk struct {
	TenantID    string     `json:"tenantId"`
	DeviceType  string     `json:"deviceTypeId"`
	StartMs     int64      `json:"startMs"`
	EndMs       int64      `json:"endMs"`
	State       ChunkState `json:"state"`
	ParquetPath string     `json:"parquetPath,omitempty"`
	RowCount    int64      `json:"rowCount"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Partition identifies one (tenant, deviceType) data partition.
type Partition struct {
	TenantID   string `json:"tenantId"`
	DeviceType string `json:"deviceTypeId"`
}

func nowMs() int64 { return time.Now().UnixMilli() }

// recordRow is the parquet layout of a compressed telemetry row. Column
// names match the telemetry table so the query engine can union both sides.
type recordRow struct {
	DeviceID       string   `parquet:"device_id,zstd"`
	TsMs           int64    `parquet:"ts_ms"`
	SchemaVersion  int32    `parquet:"schema_version"`
	Quality        *int32   `parquet:"quality,optional"`
	BatteryLevel   *float64 `parquet:"battery_level,optional"`
	SignalStrength *float64 `parquet:"signal_strength,optional"`
	Lat            *float64 `parquet:"lat,optional"`
	Lon            *float64 `parquet:"lon,optional"`
	Alt            *float64 `parquet:"alt,optional"`
	Custom         string   `parquet:"custom,zstd"`
}

// Partitions enumerates every (tenant, deviceType) with data, raw or
// compressed.
func (s *Store) Partitions(ctx context.Context) ([]Partition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id, device_type FROM (
			SELECT tenant_id, device_type FROM telemetry
			UNION
			SELECT tenant_id, device_type FROM chunks
		) ORDER BY tenant_id, device_type
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query partitions")
	}
	defer rows.Close()

	var partitions []Partition
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.TenantID, &p.DeviceType); err != nil {
			return nil, errors.Wrap(err, "scan partition")
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

// ChunksBefore lists chunks of a partition in the given state whose span
// ends at or before cutoffMs, oldest first.
func (s *Store) ChunksBefore(ctx context.Context, p Partition, state ChunkState, cutoffMs int64) ([]Chunk, error) {
	return s.listChunks(ctx, `
		SELECT tenant_id, device_type, chunk_start_ms, chunk_end_ms, state, parquet_path, row_count, updated_at_ms
		FROM chunks
		WHERE tenant_id = ? AND device_type = ? AND state = ? AND chunk_end_ms <= ?
		ORDER BY chunk_start_ms
	`, p.TenantID, p.DeviceType, string(state), cutoffMs)
}

// compressedChunksIn lists compressed chunks of a partition overlapping
// [startMs, endMs).
func (s *Store) compressedChunksIn(ctx context.Context, tenantID, deviceType string, startMs, endMs int64) ([]Chunk, error) {
	return s.listChunks(ctx, `
		SELECT tenant_id, device_type, chunk_start_ms, chunk_end_ms, state, parquet_path, row_count, updated_at_ms
		FROM chunks
		WHERE tenant_id = ? AND device_type = ? AND state = ?
		  AND chunk_end_ms > ? AND chunk_start_ms < ?
		ORDER BY chunk_start_ms
	`, tenantID, deviceType, string(ChunkCompressed), startMs, endMs)
}

func (s *Store) listChunks(ctx context.Context, query string, args ...interface{}) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query chunks")
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var state string
		var updatedMs int64
		if err := rows.Scan(&c.TenantID, &c.DeviceType, &c.StartMs, &c.EndMs,
			&state, &c.ParquetPath, &c.RowCount, &updatedMs); err != nil {
			return nil, errors.Wrap(err, "scan chunk")
		}
		c.State = ChunkState(state)
		c.UpdatedAt = time.UnixMilli(updatedMs)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CompressChunk rewrites a raw chunk's rows into a zstd parquet file and
// drops them from the telemetry table. The state transition and row deletion
// commit together, so a crash leaves the chunk either fully raw or fully
// compressed; an orphaned parquet file from a failed attempt is overwritten
// on retry.
func (s *Store) CompressChunk(ctx context.Context, c Chunk) error {
	if c.State != ChunkRaw {
		return errors.Wrapf(errors.ErrRetentionConflict, "chunk %s/%s@%d is %s", c.TenantID, c.DeviceType, c.StartMs, c.State)
	}

	records, err := s.readChunkRows(ctx, c)
	if err != nil {
		return err
	}

	path := ""
	if len(records) > 0 {
		path = s.chunkFile(c.TenantID, c.DeviceType, c.StartMs)
		if err := writeChunkFile(path, records); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin compress")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE chunks
		SET state = ?, parquet_path = ?, row_count = ?, updated_at_ms = ?
		WHERE tenant_id = ? AND device_type = ? AND chunk_start_ms = ? AND state = ?
	`, string(ChunkCompressed), path, len(records), nowMs(),
		c.TenantID, c.DeviceType, c.StartMs, string(ChunkRaw))
	if err != nil {
		return errors.Wrap(err, "mark chunk compressed")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		// Another retention pass got here first.
		return errors.Wrapf(errors.ErrRetentionConflict, "chunk %s/%s@%d changed state", c.TenantID, c.DeviceType, c.StartMs)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM telemetry
		WHERE tenant_id = ? AND device_type = ? AND ts_ms >= ? AND ts_ms < ?
	`, c.TenantID, c.DeviceType, c.StartMs, c.EndMs); err != nil {
		return errors.Wrap(err, "drop raw chunk rows")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit compress")
	}

	s.mu.Lock()
	s.stats.ChunksCompressed++
	s.mu.Unlock()

	log.Info("chunk compressed",
		"tenant_id", c.TenantID,
		"device_type", c.DeviceType,
		"chunk_start_ms", c.StartMs,
		"rows", len(records),
	)
	return nil
}

// ExpireChunk drops a chunk's data. Works on both raw and compressed chunks;
// expiring an already-expired chunk is a no-op.
func (s *Store) ExpireChunk(ctx context.Context, c Chunk) error {
	if c.State == ChunkExpired {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin expire")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE chunks
		SET state = ?, parquet_path = '', updated_at_ms = ?
		WHERE tenant_id = ? AND device_type = ? AND chunk_start_ms = ? AND state = ?
	`, string(ChunkExpired), nowMs(),
		c.TenantID, c.DeviceType, c.StartMs, string(c.State))
	if err != nil {
		return errors.Wrap(err, "mark chunk expired")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrRetentionConflict, "chunk %s/%s@%d changed state", c.TenantID, c.DeviceType, c.StartMs)
	}

	// The raw delete runs for compressed chunks too: late rows appended
	// after compression live only in the telemetry table and would
	// otherwise outlive the chunk.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM telemetry
		WHERE tenant_id = ? AND device_type = ? AND ts_ms >= ? AND ts_ms < ?
	`, c.TenantID, c.DeviceType, c.StartMs, c.EndMs); err != nil {
		return errors.Wrap(err, "drop expired rows")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit expire")
	}

	// File removal happens after commit; a leftover file for an expired
	// chunk is unreachable and harmless.
	if c.State == ChunkCompressed && c.ParquetPath != "" {
		if err := os.Remove(c.ParquetPath); err != nil && !os.IsNotExist(err) {
			log.Warn("remove expired chunk file", "path", c.ParquetPath, "error", err)
		}
	}

	s.mu.Lock()
	s.stats.ChunksExpired++
	s.mu.Unlock()

	log.Info("chunk expired",
		"tenant_id", c.TenantID,
		"device_type", c.DeviceType,
		"chunk_start_ms", c.StartMs,
	)
	return nil
}

// readChunkRows loads a chunk's raw rows in parquet layout.
func (s *Store) readChunkRows(ctx context.Context, c Chunk) ([]recordRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, ts_ms, schema_version, quality,
		       battery_level, signal_strength, lat, lon, alt, custom
		FROM telemetry
		WHERE tenant_id = ? AND device_type = ? AND ts_ms >= ? AND ts_ms < ?
		ORDER BY device_id, ts_ms
	`, c.TenantID, c.DeviceType, c.StartMs, c.EndMs)
	if err != nil {
		return nil, errors.Wrap(err, "read chunk rows")
	}
	defer rows.Close()

	var records []recordRow
	for rows.Next() {
		var r recordRow
		var quality sql.NullInt32
		var battery, signal, lat, lon, alt sql.NullFloat64
		if err := rows.Scan(&r.DeviceID, &r.TsMs, &r.SchemaVersion, &quality,
			&battery, &signal, &lat, &lon, &alt, &r.Custom); err != nil {
			return nil, errors.Wrap(err, "scan chunk row")
		}
		if quality.Valid {
			q := quality.Int32
			r.Quality = &q
		}
		r.BatteryLevel = nullFloat(battery)
		r.SignalStrength = nullFloat(signal)
		r.Lat = nullFloat(lat)
		r.Lon = nullFloat(lon)
		r.Alt = nullFloat(alt)
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// writeChunkFile writes rows to a parquet file, creating parent directories.
// The write goes to a temp file first so a crash never leaves a truncated
// chunk behind.
func writeChunkFile(path string, records []recordRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create chunk directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}

	writer := parquet.NewGenericWriter[recordRow](f, parquet.Compression(&parquet.Zstd))
	if _, err := writer.Write(records); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write chunk rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close chunk writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close chunk file: %w", err)
	}

	return os.Rename(tmp, path)
}
