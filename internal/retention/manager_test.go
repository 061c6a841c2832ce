package retention

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/mapping"
	"github.com/xtxerr/beacon/internal/meta"
	"github.com/xtxerr/beacon/internal/schema"
	"github.com/xtxerr/beacon/internal/storage"
	"github.com/xtxerr/beacon/internal/telemetry"
	"github.com/xtxerr/beacon/internal/testutil"
)

type fixture struct {
	store  *storage.Store
	metaDB *meta.DB
	locker *LocalLocker
}

func newFixture(t *testing.T, cfg Config) (*Manager, *fixture) {
	t.Helper()

	db := testutil.NewMetaDB(t)
	reg := schema.NewRegistry(db)
	resolver := mapping.NewResolver(db, reg, time.Minute)

	s := &schema.Schema{
		TenantID:   "acme",
		DeviceType: "pump",
		Fields: []schema.Field{
			{Name: "temperature", Type: schema.TypeNumber},
			{Name: "status", Type: schema.TypeString},
		},
	}
	if _, err := reg.Publish(context.Background(), s, schema.PublishOptions{Activate: true}); err != nil {
		t.Fatalf("publish schema: %v", err)
	}

	storeCfg := storage.DefaultConfig()
	storeCfg.DataDir = t.TempDir()
	storeCfg.MemoryLimit = ""
	storeCfg.ChunkDuration = time.Hour
	store, err := storage.Open(storeCfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	locker := NewLocalLocker()
	return NewManager(cfg, store, db, resolver, locker), &fixture{store: store, metaDB: db, locker: locker}
}

func seed(t *testing.T, store *storage.Store, deviceID string, tsMs int64, temp float64) {
	t.Helper()
	rec := telemetry.Record{
		TenantID:      "acme",
		DeviceID:      deviceID,
		DeviceType:    "pump",
		TimestampMs:   tsMs,
		SchemaVersion: 1,
		Quality:       -1,
		Custom:        telemetry.Object(map[string]telemetry.Value{"temperature": telemetry.Number(temp)}),
	}
	if _, err := store.Append(context.Background(), []telemetry.Record{rec}, storage.PolicyReject); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func rawRows(t *testing.T, store *storage.Store) int64 {
	t.Helper()
	n, err := store.RowCount(context.Background(), "acme")
	if err != nil {
		t.Fatalf("row count: %v", err)
	}
	return n
}

func TestManager_CompressPass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RawRetention = time.Hour
	cfg.CompressedRetention = 1000 * time.Hour
	mgr, f := newFixture(t, cfg)

	old := time.Now().Add(-3 * time.Hour).UnixMilli()
	seed(t, f.store, "dev-1", old, 10)
	seed(t, f.store, "dev-1", old+1, 20)

	if err := mgr.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	stats := mgr.Stats()
	if stats.ChunksCompressed != 1 {
		t.Errorf("expected 1 chunk compressed, got %d", stats.ChunksCompressed)
	}
	if n := rawRows(t, f.store); n != 0 {
		t.Errorf("raw rows not moved to parquet: %d left", n)
	}

	// Compressed data stays queryable through the unified source.
	source, args, err := f.store.Source(context.Background(), "acme", "pump", old-1, old+2)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	var count int64
	if err := f.store.DB().QueryRow("SELECT COUNT(*) FROM "+source+" src", args...).Scan(&count); err != nil {
		t.Fatalf("count compressed rows: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rows from compressed chunk, got %d", count)
	}
}

func TestManager_ExpirePass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RawRetention = time.Hour
	cfg.CompressedRetention = 5 * time.Hour
	mgr, f := newFixture(t, cfg)

	seed(t, f.store, "dev-1", time.Now().Add(-10*time.Hour).UnixMilli(), 10)

	if err := mgr.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	// The chunk passes both boundaries in one pass: compressed first, then
	// expired.
	stats := mgr.Stats()
	if stats.ChunksCompressed != 1 || stats.ChunksExpired != 1 {
		t.Errorf("expected compress+expire, got %+v", stats)
	}
	if n := rawRows(t, f.store); n != 0 {
		t.Errorf("expected 0 raw rows, got %d", n)
	}
}

func TestManager_DryRunChangesNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RawRetention = time.Hour
	cfg.DryRun = true
	mgr, f := newFixture(t, cfg)

	seed(t, f.store, "dev-1", time.Now().Add(-3*time.Hour).UnixMilli(), 10)

	if err := mgr.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if stats := mgr.Stats(); stats.ChunksCompressed != 0 {
		t.Errorf("dry run compressed chunks: %+v", stats)
	}
	if n := rawRows(t, f.store); n != 1 {
		t.Errorf("dry run changed data: %d raw rows", n)
	}
}

func TestManager_RollupRefresh(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RollupFreshness = time.Millisecond
	mgr, f := newFixture(t, cfg)

	spec := meta.RollupSpec{
		TenantID:    "acme",
		DeviceType:  "pump",
		FieldName:   "temperature",
		BucketMs:    60_000,
		Aggregation: "avg",
	}
	if err := f.metaDB.RegisterRollup(context.Background(), spec); err != nil {
		t.Fatalf("register rollup: %v", err)
	}

	bucket := telemetry.BucketStart(time.Now().Add(-10*time.Minute).UnixMilli(), 60_000)
	seed(t, f.store, "dev-1", bucket+1_000, 10)
	seed(t, f.store, "dev-1", bucket+2_000, 20)
	seed(t, f.store, "dev-2", bucket+3_000, 30)

	if err := mgr.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	results, err := f.store.QueryRollups(context.Background(), "acme", "pump", "temperature", 60_000, bucket, bucket+60_000)
	if err != nil {
		t.Fatalf("query rollups: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 rollup bucket, got %d", len(results))
	}
	if results[0].Count != 3 || results[0].Avg != 20 {
		t.Errorf("unexpected bucket: %+v", results[0])
	}

	specs, err := f.metaDB.ListRollups(context.Background(), "acme")
	if err != nil {
		t.Fatalf("list rollups: %v", err)
	}
	if specs[0].LastRefreshedMs <= bucket {
		t.Errorf("watermark not advanced: %d", specs[0].LastRefreshedMs)
	}

	// A second pass resumes from the watermark and rewrites nothing.
	before := mgr.Stats().BucketsWritten
	if err := mgr.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if after := mgr.Stats().BucketsWritten; after != before {
		t.Errorf("idle refresh wrote buckets: %d -> %d", before, after)
	}
}

func TestManager_ContendedLockSkipsPartition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RawRetention = time.Hour
	mgr, f := newFixture(t, cfg)

	seed(t, f.store, "dev-1", time.Now().Add(-3*time.Hour).UnixMilli(), 10)

	release, err := f.locker.Acquire(context.Background(), "retention/acme/pump", time.Minute)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer release()

	if err := mgr.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	stats := mgr.Stats()
	if stats.LocksContended != 1 {
		t.Errorf("expected 1 contended lock, got %d", stats.LocksContended)
	}
	if stats.ChunksCompressed != 0 {
		t.Errorf("locked partition was still worked: %+v", stats)
	}
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, errors.ErrLockHeld) {
		t.Errorf("expected lock held, got %v", err)
	}

	release()
	if _, err := l.Acquire(ctx, "k", time.Minute); err != nil {
		t.Errorf("re-acquire after release: %v", err)
	}

	// An expired hold is not a hold.
	if _, err := l.Acquire(ctx, "stale", -time.Second); err != nil {
		t.Fatalf("acquire stale: %v", err)
	}
	if _, err := l.Acquire(ctx, "stale", time.Minute); err != nil {
		t.Errorf("expired lock should be reacquirable, got %v", err)
	}
}
