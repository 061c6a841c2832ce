package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/telemetry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.MemoryLimit = ""
	cfg.ChunkDuration = time.Hour

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(deviceID string, tsMs int64, temp float64) telemetry.Record {
	return telemetry.Record{
		TenantID:      "acme",
		DeviceID:      deviceID,
		DeviceType:    "pump",
		TimestampMs:   tsMs,
		SchemaVersion: 1,
		Quality:       -1,
		Custom: telemetry.Object(map[string]telemetry.Value{
			"temperature": telemetry.Number(temp),
		}),
	}
}

func TestStore_AppendAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []telemetry.Record{
		record("dev-1", 1_000, 10),
		record("dev-1", 2_000, 20),
		record("dev-2", 1_000, 30),
	}
	result, err := s.Append(ctx, batch, PolicyReject)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if result.Inserted != 3 {
		t.Errorf("expected 3 inserted, got %d", result.Inserted)
	}

	count, err := s.RowCount(ctx, "acme")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 rows, got %d", count)
	}
}

func TestStore_DuplicateReject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, []telemetry.Record{record("dev-1", 1_000, 10)}, PolicyReject); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Same key again, different value. The original row wins.
	result, err := s.Append(ctx, []telemetry.Record{record("dev-1", 1_000, 99)}, PolicyReject)
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if result.Inserted != 0 {
		t.Errorf("expected 0 inserted, got %d", result.Inserted)
	}
	if len(result.Duplicates) != 1 {
		t.Fatalf("expected 1 duplicate reported, got %d", len(result.Duplicates))
	}

	var custom string
	err = s.db.QueryRowContext(ctx,
		`SELECT custom FROM telemetry WHERE tenant_id = ? AND device_id = ? AND ts_ms = ?`,
		"acme", "dev-1", int64(1_000)).Scan(&custom)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if custom != `{"temperature":10}` {
		t.Errorf("original row was replaced: %s", custom)
	}
}

func TestStore_DuplicateLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, []telemetry.Record{record("dev-1", 1_000, 10)}, PolicyLastWriteWins); err != nil {
		t.Fatalf("append: %v", err)
	}

	result, err := s.Append(ctx, []telemetry.Record{record("dev-1", 1_000, 99)}, PolicyLastWriteWins)
	if err != nil {
		t.Fatalf("append replacement: %v", err)
	}
	if result.Replaced != 1 {
		t.Errorf("expected 1 replaced, got %d", result.Replaced)
	}

	var custom string
	err = s.db.QueryRowContext(ctx,
		`SELECT custom FROM telemetry WHERE tenant_id = ? AND device_id = ? AND ts_ms = ?`,
		"acme", "dev-1", int64(1_000)).Scan(&custom)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if custom != `{"temperature":99}` {
		t.Errorf("replacement not applied: %s", custom)
	}
}

func TestStore_CompressChunkAndSource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hour := time.Hour.Milliseconds()
	batch := []telemetry.Record{
		record("dev-1", 100, 10),      // first chunk
		record("dev-1", 200, 20),      // first chunk
		record("dev-1", hour+100, 30), // second chunk, stays raw
	}
	if _, err := s.Append(ctx, batch, PolicyReject); err != nil {
		t.Fatalf("append: %v", err)
	}

	chunks, err := s.ChunksBefore(ctx, Partition{TenantID: "acme", DeviceType: "pump"}, ChunkRaw, hour)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 closed raw chunk, got %d", len(chunks))
	}

	if err := s.CompressChunk(ctx, chunks[0]); err != nil {
		t.Fatalf("compress: %v", err)
	}

	// Compressing again conflicts: the chunk is no longer raw.
	if err := s.CompressChunk(ctx, chunks[0]); !errors.Is(err, errors.ErrRetentionConflict) {
		t.Errorf("expected retention conflict, got %v", err)
	}

	// The raw table now holds only the second chunk's row.
	count, err := s.RowCount(ctx, "acme")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 raw row after compression, got %d", count)
	}

	// The source still sees all three rows.
	source, args, err := s.Source(ctx, "acme", "pump", 0, 2*hour)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+source+" src", args...).Scan(&total); err != nil {
		t.Fatalf("query source: %v", err)
	}
	if total != 3 {
		t.Errorf("expected 3 rows from source, got %d", total)
	}
}

func TestStore_ExpireChunk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hour := time.Hour.Milliseconds()
	if _, err := s.Append(ctx, []telemetry.Record{record("dev-1", 100, 10)}, PolicyReject); err != nil {
		t.Fatalf("append: %v", err)
	}

	part := Partition{TenantID: "acme", DeviceType: "pump"}
	chunks, err := s.ChunksBefore(ctx, part, ChunkRaw, hour)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if err := s.CompressChunk(ctx, chunks[0]); err != nil {
		t.Fatalf("compress: %v", err)
	}

	compressed, err := s.ChunksBefore(ctx, part, ChunkCompressed, hour)
	if err != nil {
		t.Fatalf("list compressed: %v", err)
	}
	if len(compressed) != 1 {
		t.Fatalf("expected 1 compressed chunk, got %d", len(compressed))
	}
	path := compressed[0].ParquetPath

	if err := s.ExpireChunk(ctx, compressed[0]); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected chunk file removed")
	}

	// Nothing left in the query source.
	source, args, err := s.Source(ctx, "acme", "pump", 0, hour)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+source+" src", args...).Scan(&total); err != nil {
		t.Fatalf("query source: %v", err)
	}
	if total != 0 {
		t.Errorf("expected 0 rows after expiry, got %d", total)
	}
}

func TestStore_ExpireChunkDropsLateRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hour := time.Hour.Milliseconds()
	if _, err := s.Append(ctx, []telemetry.Record{record("dev-1", 100, 10)}, PolicyReject); err != nil {
		t.Fatalf("append: %v", err)
	}

	part := Partition{TenantID: "acme", DeviceType: "pump"}
	chunks, err := s.ChunksBefore(ctx, part, ChunkRaw, hour)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if err := s.CompressChunk(ctx, chunks[0]); err != nil {
		t.Fatalf("compress: %v", err)
	}

	// A late arrival lands in the raw table; the chunk stays compressed.
	if _, err := s.Append(ctx, []telemetry.Record{record("dev-1", 200, 20)}, PolicyReject); err != nil {
		t.Fatalf("late append: %v", err)
	}
	count, err := s.RowCount(ctx, "acme")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 late raw row, got %d", count)
	}

	compressed, err := s.ChunksBefore(ctx, part, ChunkCompressed, hour)
	if err != nil {
		t.Fatalf("list compressed: %v", err)
	}
	if len(compressed) != 1 {
		t.Fatalf("expected 1 compressed chunk, got %d", len(compressed))
	}

	// Expiry must take the late row with it, not just the parquet file.
	if err := s.ExpireChunk(ctx, compressed[0]); err != nil {
		t.Fatalf("expire: %v", err)
	}
	count, err = s.RowCount(ctx, "acme")
	if err != nil {
		t.Fatalf("count after expire: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 raw rows after expiry, got %d", count)
	}

	source, args, err := s.Source(ctx, "acme", "pump", 0, hour)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+source+" src", args...).Scan(&total); err != nil {
		t.Fatalf("query source: %v", err)
	}
	if total != 0 {
		t.Errorf("expected 0 rows from source after expiry, got %d", total)
	}
}

func TestStore_ChunkStartAlignment(t *testing.T) {
	s := newTestStore(t)
	hour := time.Hour.Milliseconds()

	cases := []struct{ ts, want int64 }{
		{0, 0},
		{1, 0},
		{hour - 1, 0},
		{hour, hour},
		{-1, -hour},
	}
	for _, c := range cases {
		if got := s.chunkStart(c.ts); got != c.want {
			t.Errorf("chunkStart(%d) = %d, want %d", c.ts, got, c.want)
		}
	}
}
