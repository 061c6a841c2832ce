package storage

import (
	"context"
	"strings"
)

const sourceColumns = `device_id, ts_ms, schema_version, quality,
	battery_level, signal_strength, lat, lon, alt, custom`

// Source returns a FROM-clause subquery covering all rows of a
// (tenant, deviceType) partition in [startMs, endMs): the raw telemetry
// table unioned with every compressed chunk file overlapping the range. The
// returned args belong to the subquery's placeholders and must precede any
// the caller adds.
//
// Chunk paths are embedded as literals; they are server-generated, never
// request input.
func (s *Store) Source(ctx context.Context, tenantID, deviceType string, startMs, endMs int64) (string, []interface{}, error) {
	var sb strings.Builder
	sb.WriteString("(SELECT ")
	sb.WriteString(sourceColumns)
	sb.WriteString(`
		FROM telemetry
		WHERE tenant_id = ? AND device_type = ? AND ts_ms >= ? AND ts_ms < ?`)
	args := []interface{}{tenantID, deviceType, startMs, endMs}

	chunks, err := s.compressedChunksIn(ctx, tenantID, deviceType, startMs, endMs)
	if err != nil {
		return "", nil, err
	}

	var paths []string
	for _, c := range chunks {
		if c.ParquetPath != "" {
			paths = append(paths, c.ParquetPath)
		}
	}

	if len(paths) > 0 {
		sb.WriteString(`
		UNION ALL
		SELECT `)
		sb.WriteString(sourceColumns)
		sb.WriteString(`
		FROM read_parquet([`)
		for i, p := range paths {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("'")
			sb.WriteString(strings.ReplaceAll(p, "'", "''"))
			sb.WriteString("'")
		}
		sb.WriteString(`])
		WHERE ts_ms >= ? AND ts_ms < ?`)
		args = append(args, startMs, endMs)
	}

	sb.WriteString(")")
	return sb.String(), args, nil
}
