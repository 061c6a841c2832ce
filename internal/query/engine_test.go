package query

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
	"github.com/xtxerr/beacon/internal/mapping"
	"github.com/xtxerr/beacon/internal/schema"
	"github.com/xtxerr/beacon/internal/storage"
	"github.com/xtxerr/beacon/internal/telemetry"
	"github.com/xtxerr/beacon/internal/testutil"
)

type fixture struct {
	engine *Engine
	store  *storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewMetaDB(t)
	reg := schema.NewRegistry(db)
	resolver := mapping.NewResolver(db, reg, time.Minute)

	s := &schema.Schema{
		TenantID:   "acme",
		DeviceType: "pump",
		Fields: []schema.Field{
			{Name: "temperature", Type: schema.TypeNumber, Required: true},
			{Name: "pressure", Type: schema.TypeNumber},
			{Name: "status", Type: schema.TypeString},
		},
	}
	if _, err := reg.Publish(context.Background(), s, schema.PublishOptions{Activate: true}); err != nil {
		t.Fatalf("publish schema: %v", err)
	}

	storeCfg := storage.DefaultConfig()
	storeCfg.DataDir = t.TempDir()
	storeCfg.MemoryLimit = ""
	store, err := storage.Open(storeCfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &fixture{
		engine: NewEngine(DefaultConfig(), store, resolver),
		store:  store,
	}
}

func (f *fixture) seed(t *testing.T, records ...telemetry.Record) {
	t.Helper()
	if _, err := f.store.Append(context.Background(), records, storage.PolicyReject); err != nil {
		t.Fatalf("seed store: %v", err)
	}
}

func rec(deviceID string, tsMs int64, fields map[string]telemetry.Value) telemetry.Record {
	return telemetry.Record{
		TenantID:      "acme",
		DeviceID:      deviceID,
		DeviceType:    "pump",
		TimestampMs:   tsMs,
		SchemaVersion: 1,
		Quality:       -1,
		Custom:        telemetry.Object(fields),
	}
}

func num(n float64) telemetry.Value { return telemetry.Number(n) }
func str(s string) telemetry.Value  { return telemetry.String(s) }

func TestEngine_MultiFieldAggregate(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		rec("dev-1", 1_000, map[string]telemetry.Value{"temperature": num(10)}),
		rec("dev-1", 2_000, map[string]telemetry.Value{"temperature": num(20)}),
		rec("dev-2", 3_000, map[string]telemetry.Value{"temperature": num(30)}),
		rec("dev-1", 61_000, map[string]telemetry.Value{"temperature": num(50), "pressure": num(5)}),
	)

	series, err := f.engine.MultiFieldAggregate(context.Background(), AggregateRequest{
		TenantID:    "acme",
		DeviceType:  "pump",
		Fields:      []string{"temperature", "pressure"},
		Aggregation: telemetry.AggAvg,
		Range:       telemetry.TimeRange{StartMs: 0, EndMs: 120_000},
		IntervalMs:  60_000,
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("expected 2 series, got %d", len(series))
	}

	temp := series[0]
	if temp.Field != "temperature" || len(temp.DataPoints) != 2 {
		t.Fatalf("unexpected temperature series: %+v", temp)
	}
	// First bucket: avg(10, 20, 30) = 20, count 3.
	if temp.DataPoints[0].TimestampMs != 0 || temp.DataPoints[0].Value != 20 || temp.DataPoints[0].Count != 3 {
		t.Errorf("unexpected first bucket: %+v", temp.DataPoints[0])
	}
	if temp.DataPoints[1].TimestampMs != 60_000 || temp.DataPoints[1].Value != 50 {
		t.Errorf("unexpected second bucket: %+v", temp.DataPoints[1])
	}

	// Pressure only appears in the second bucket; the empty first bucket
	// is omitted, not zero-filled.
	pressure := series[1]
	if len(pressure.DataPoints) != 1 || pressure.DataPoints[0].TimestampMs != 60_000 {
		t.Errorf("unexpected pressure series: %+v", pressure)
	}
}

func TestEngine_AggregateUnknownFieldFailsWholeQuery(t *testing.T) {
	f := newFixture(t)
	f.seed(t, rec("dev-1", 1_000, map[string]telemetry.Value{"temperature": num(10)}))

	_, err := f.engine.MultiFieldAggregate(context.Background(), AggregateRequest{
		TenantID:    "acme",
		DeviceType:  "pump",
		Fields:      []string{"temperature", "voltage"},
		Aggregation: telemetry.AggAvg,
		Range:       telemetry.TimeRange{StartMs: 0, EndMs: 60_000},
		IntervalMs:  60_000,
	})
	if !errors.Is(err, errors.ErrUnknownField) {
		t.Fatalf("expected unknown-field failure, got %v", err)
	}
	if errors.FieldOf(err) != "voltage" {
		t.Errorf("expected offending field voltage, got %q", errors.FieldOf(err))
	}
}

func TestEngine_AggregateNonNumericFieldRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.MultiFieldAggregate(context.Background(), AggregateRequest{
		TenantID:    "acme",
		DeviceType:  "pump",
		Fields:      []string{"status"},
		Aggregation: telemetry.AggAvg,
		Range:       telemetry.TimeRange{StartMs: 0, EndMs: 60_000},
		IntervalMs:  60_000,
	})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Fatalf("expected invalid-request, got %v", err)
	}
}

func TestEngine_KPIWithTrend(t *testing.T) {
	f := newFixture(t)
	// Previous period [0, 60s): value 5. Current period [60s, 120s): value 10.
	f.seed(t,
		rec("dev-1", 1_000, map[string]telemetry.Value{"temperature": num(5)}),
		rec("dev-1", 61_000, map[string]telemetry.Value{"temperature": num(10)}),
	)

	result, err := f.engine.KPIWithTrend(context.Background(), KPIRequest{
		TenantID:    "acme",
		DeviceType:  "pump",
		Field:       "temperature",
		Aggregation: telemetry.AggAvg,
		Range:       telemetry.TimeRange{StartMs: 60_000, EndMs: 120_000},
	})
	if err != nil {
		t.Fatalf("kpi: %v", err)
	}

	if result.CurrentValue != 10 || result.PreviousValue != 5 {
		t.Errorf("unexpected values: %+v", result)
	}
	if result.Change != 5 {
		t.Errorf("expected change 5, got %f", result.Change)
	}
	if result.PercentChange == nil || *result.PercentChange != 100 {
		t.Errorf("expected percent change 100, got %v", result.PercentChange)
	}
}

func TestEngine_KPIEmptyPreviousPeriod(t *testing.T) {
	f := newFixture(t)
	f.seed(t, rec("dev-1", 61_000, map[string]telemetry.Value{"temperature": num(10)}))

	result, err := f.engine.KPIWithTrend(context.Background(), KPIRequest{
		TenantID:    "acme",
		DeviceType:  "pump",
		Field:       "temperature",
		Aggregation: telemetry.AggAvg,
		Range:       telemetry.TimeRange{StartMs: 60_000, EndMs: 120_000},
	})
	if err != nil {
		t.Fatalf("kpi: %v", err)
	}

	if result.PercentChange != nil {
		t.Errorf("expected nil percent change for empty previous period, got %f", *result.PercentChange)
	}
	if result.CurrentValue != 10 || result.Change != 10 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestEngine_CategoricalGroup(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		rec("dev-1", 1_000, map[string]telemetry.Value{"temperature": num(1), "status": str("ok")}),
		rec("dev-1", 2_000, map[string]telemetry.Value{"temperature": num(1), "status": str("ok")}),
		rec("dev-2", 1_000, map[string]telemetry.Value{"temperature": num(1), "status": str("down")}),
		rec("dev-3", 1_000, map[string]telemetry.Value{"temperature": num(1), "status": str("degraded")}),
	)

	results, err := f.engine.CategoricalGroup(context.Background(), CategoryRequest{
		TenantID:   "acme",
		DeviceType: "pump",
		Field:      "status",
		Range:      telemetry.TimeRange{StartMs: 0, EndMs: 60_000},
	})
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(results))
	}

	// Ordered by value descending, then category ascending for ties.
	if results[0].Category != "ok" || results[0].Count != 2 {
		t.Errorf("unexpected first group: %+v", results[0])
	}
	if results[1].Category != "degraded" || results[2].Category != "down" {
		t.Errorf("tie not broken by name: %+v", results[1:])
	}

	var totalPct float64
	for _, r := range results {
		totalPct += r.Percentage
	}
	if math.Abs(totalPct-100) > 1e-9 {
		t.Errorf("percentages sum to %f, want 100", totalPct)
	}

	// A limit truncates groups but keeps percentages relative to the full
	// total.
	limited, err := f.engine.CategoricalGroup(context.Background(), CategoryRequest{
		TenantID:   "acme",
		DeviceType: "pump",
		Field:      "status",
		Range:      telemetry.TimeRange{StartMs: 0, EndMs: 60_000},
		Limit:      1,
	})
	if err != nil {
		t.Fatalf("limited group: %v", err)
	}
	if len(limited) != 1 || limited[0].Category != "ok" {
		t.Fatalf("unexpected limited groups: %+v", limited)
	}
	if limited[0].Percentage != 50 {
		t.Errorf("limited percentage = %f, want 50", limited[0].Percentage)
	}
}

func TestEngine_Latest(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UnixMilli()
	f.seed(t,
		rec("dev-1", now-10_000, map[string]telemetry.Value{"temperature": num(10), "status": str("ok")}),
		rec("dev-1", now-5_000, map[string]telemetry.Value{"temperature": num(42)}),
		rec("dev-2", now-7_000, map[string]telemetry.Value{"temperature": num(7), "status": str("down")}),
	)

	results, err := f.engine.Latest(context.Background(), LatestRequest{
		TenantID:   "acme",
		DeviceType: "pump",
		Fields:     []string{"temperature", "status"},
	})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}

	byKey := make(map[string]telemetry.LatestValue)
	for _, lv := range results {
		byKey[lv.DeviceID+"/"+lv.Field] = lv
	}

	if lv := byKey["dev-1/temperature"]; lv.TimestampMs != now-5_000 {
		t.Errorf("dev-1 temperature not the newest row: %+v", lv)
	} else if n, _ := lv.Value.AsFloat(); n != 42 {
		t.Errorf("dev-1 temperature = %f, want 42", n)
	}

	// dev-1's latest status comes from the older row; the newer row does
	// not carry the field.
	if lv := byKey["dev-1/status"]; lv.TimestampMs != now-10_000 {
		t.Errorf("dev-1 status should fall back to older row: %+v", lv)
	} else if s, _ := lv.Value.AsString(); s != "ok" {
		t.Errorf("dev-1 status = %q, want ok", s)
	}

	if n, _ := byKey["dev-2/temperature"].Value.AsFloat(); n != 7 {
		t.Errorf("dev-2 temperature = %f, want 7", n)
	}
}

func TestEngine_DeviceFilter(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		rec("dev-1", 1_000, map[string]telemetry.Value{"temperature": num(10)}),
		rec("dev-2", 1_000, map[string]telemetry.Value{"temperature": num(90)}),
	)

	series, err := f.engine.MultiFieldAggregate(context.Background(), AggregateRequest{
		TenantID:    "acme",
		DeviceType:  "pump",
		DeviceIDs:   []string{"dev-1"},
		Fields:      []string{"temperature"},
		Aggregation: telemetry.AggAvg,
		Range:       telemetry.TimeRange{StartMs: 0, EndMs: 60_000},
		IntervalMs:  60_000,
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(series[0].DataPoints) != 1 || series[0].DataPoints[0].Value != 10 {
		t.Errorf("device filter leaked other devices: %+v", series[0].DataPoints)
	}
}

func TestEngine_TenantScope(t *testing.T) {
	f := newFixture(t)

	// A context bound to one tenant cannot query another.
	ctx := logging.ContextWithTenantID(context.Background(), "globex")
	_, err := f.engine.MultiFieldAggregate(ctx, AggregateRequest{
		TenantID:    "acme",
		DeviceType:  "pump",
		Fields:      []string{"temperature"},
		Aggregation: telemetry.AggAvg,
		Range:       telemetry.TimeRange{StartMs: 0, EndMs: 60_000},
		IntervalMs:  60_000,
	})
	if !errors.Is(err, errors.ErrTenantScope) {
		t.Fatalf("expected tenant scope violation, got %v", err)
	}
}

func TestEngine_TenantDataIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	other := func(tsMs int64, temp float64) telemetry.Record {
		r := rec("dev-1", tsMs, map[string]telemetry.Value{"temperature": num(temp)})
		r.TenantID = "globex"
		return r
	}

	// Two tenants share the same device id at the same timestamps.
	f.seed(t,
		rec("dev-1", now-10_000, map[string]telemetry.Value{"temperature": num(10)}),
		rec("dev-1", now-5_000, map[string]telemetry.Value{"temperature": num(20)}),
		other(now-10_000, 1_000),
		other(now-5_000, 2_000),
	)

	// Compress every chunk so the query walks the parquet arm too.
	for _, p := range []storage.Partition{
		{TenantID: "acme", DeviceType: "pump"},
		{TenantID: "globex", DeviceType: "pump"},
	} {
		chunks, err := f.store.ChunksBefore(ctx, p, storage.ChunkRaw, now+time.Hour.Milliseconds())
		if err != nil {
			t.Fatalf("list chunks: %v", err)
		}
		if len(chunks) == 0 {
			t.Fatalf("no raw chunks for %s", p.TenantID)
		}
		for _, c := range chunks {
			if err := f.store.CompressChunk(ctx, c); err != nil {
				t.Fatalf("compress %s: %v", p.TenantID, err)
			}
		}
	}

	series, err := f.engine.MultiFieldAggregate(ctx, AggregateRequest{
		TenantID:    "acme",
		DeviceType:  "pump",
		Fields:      []string{"temperature"},
		Aggregation: telemetry.AggAvg,
		Range:       telemetry.TimeRange{StartMs: now - 60_000, EndMs: now + 1},
		IntervalMs:  3_600_000,
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("expected 1 series, got %d", len(series))
	}
	var count int64
	var weighted float64
	for _, dp := range series[0].DataPoints {
		count += dp.Count
		weighted += dp.Value * float64(dp.Count)
	}
	// Only acme's 10 and 20; globex's 1000/2000 would blow the sum up.
	if count != 2 || weighted != 30 {
		t.Errorf("aggregate leaked across tenants: count=%d weighted=%f", count, weighted)
	}

	latest, err := f.engine.Latest(ctx, LatestRequest{
		TenantID:   "acme",
		DeviceType: "pump",
		Fields:     []string{"temperature"},
	})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 1 {
		t.Fatalf("expected 1 latest value, got %d", len(latest))
	}
	if n, _ := latest[0].Value.AsFloat(); n != 20 {
		t.Errorf("latest = %f, want acme's 20", n)
	}
}

func TestEngine_DeadlineFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, rec("dev-1", 1_000, map[string]telemetry.Value{"temperature": num(10)}))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.engine.MultiFieldAggregate(ctx, AggregateRequest{
		TenantID:    "acme",
		DeviceType:  "pump",
		Fields:      []string{"temperature"},
		Aggregation: telemetry.AggAvg,
		Range:       telemetry.TimeRange{StartMs: 0, EndMs: 60_000},
		IntervalMs:  60_000,
	})
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}
