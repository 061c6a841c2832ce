package ingest

import (
	"context"
	"testing"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/meta"
	"github.com/xtxerr/beacon/internal/schema"
	"github.com/xtxerr/beacon/internal/storage"
	"github.com/xtxerr/beacon/internal/telemetry"
	"github.com/xtxerr/beacon/internal/testutil"
)

func setupValidator(t *testing.T) (*Validator, *meta.DB) {
	t.Helper()
	db := testutil.NewMetaDB(t)
	reg := schema.NewRegistry(db)

	min, max := 0.0, 150.0
	s := &schema.Schema{
		TenantID:   "acme",
		DeviceType: "pump",
		Fields: []schema.Field{
			{Name: "temperature", Type: schema.TypeNumber, Required: true, Min: &min, Max: &max},
			{Name: "status", Type: schema.TypeString, Enum: []string{"ok", "degraded", "down"}},
			{Name: "diagnostics", Type: schema.TypeObject},
		},
	}
	if _, err := reg.Publish(context.Background(), s, schema.PublishOptions{Activate: true}); err != nil {
		t.Fatalf("publish schema: %v", err)
	}

	return NewValidator(reg, db), db
}

func validPayload() Payload {
	return Payload{
		DeviceID:   "dev-1",
		DeviceType: "pump",
		Timestamp:  1_000,
		Fields: map[string]telemetry.Value{
			"temperature":  telemetry.Number(42),
			"batteryLevel": telemetry.Number(87),
		},
	}
}

func TestValidator_ValidPayload(t *testing.T) {
	v, _ := setupValidator(t)

	rec, err := v.Validate(context.Background(), "acme", validPayload())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if rec.SchemaVersion != 1 {
		t.Errorf("expected schema version 1, got %d", rec.SchemaVersion)
	}
	if rec.System.BatteryLevel == nil || *rec.System.BatteryLevel != 87 {
		t.Error("batteryLevel not split into system fields")
	}
	if _, ok := rec.Custom.Field("batteryLevel"); ok {
		t.Error("system attribute leaked into custom bag")
	}
	if temp, ok := rec.Custom.Field("temperature"); !ok {
		t.Error("temperature missing from custom bag")
	} else if n, _ := temp.AsFloat(); n != 42 {
		t.Errorf("temperature = %f", n)
	}
	if rec.Quality != -1 {
		t.Errorf("expected unset quality, got %d", rec.Quality)
	}
}

func TestValidator_MissingRequired(t *testing.T) {
	v, _ := setupValidator(t)

	p := validPayload()
	delete(p.Fields, "temperature")

	_, err := v.Validate(context.Background(), "acme", p)
	if !errors.Is(err, errors.ErrMissingRequired) {
		t.Fatalf("expected missing-required, got %v", err)
	}
	if errors.FieldOf(err) != "temperature" {
		t.Errorf("expected field temperature, got %q", errors.FieldOf(err))
	}
}

func TestValidator_TypeMismatch(t *testing.T) {
	v, _ := setupValidator(t)

	p := validPayload()
	p.Fields["temperature"] = telemetry.String("hot")

	_, err := v.Validate(context.Background(), "acme", p)
	if !errors.Is(err, errors.ErrTypeMismatch) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestValidator_RangeAndEnum(t *testing.T) {
	v, _ := setupValidator(t)
	ctx := context.Background()

	p := validPayload()
	p.Fields["temperature"] = telemetry.Number(200)
	if _, err := v.Validate(ctx, "acme", p); !errors.Is(err, errors.ErrSchemaValidation) {
		t.Errorf("expected range violation, got %v", err)
	}

	p = validPayload()
	p.Fields["status"] = telemetry.String("exploded")
	if _, err := v.Validate(ctx, "acme", p); !errors.Is(err, errors.ErrSchemaValidation) {
		t.Errorf("expected enum violation, got %v", err)
	}

	p = validPayload()
	p.Fields["status"] = telemetry.String("degraded")
	if _, err := v.Validate(ctx, "acme", p); err != nil {
		t.Errorf("valid enum member rejected: %v", err)
	}
}

func TestValidator_StrictVsPermissive(t *testing.T) {
	v, db := setupValidator(t)
	ctx := context.Background()

	p := validPayload()
	p.Fields["undeclared"] = telemetry.Number(1)

	// Permissive by default: undeclared fields pass through.
	rec, err := v.Validate(ctx, "acme", p)
	if err != nil {
		t.Fatalf("permissive validate: %v", err)
	}
	if _, ok := rec.Custom.Field("undeclared"); !ok {
		t.Error("undeclared field dropped in permissive mode")
	}

	if err := db.UpsertTenantSettings(ctx, meta.TenantSettings{
		TenantID:        "acme",
		StrictIngestion: true,
	}); err != nil {
		t.Fatalf("enable strict mode: %v", err)
	}

	_, err = v.Validate(ctx, "acme", p)
	if !errors.Is(err, errors.ErrUndeclaredField) {
		t.Fatalf("expected undeclared-field rejection in strict mode, got %v", err)
	}
	if errors.FieldOf(err) != "undeclared" {
		t.Errorf("expected field undeclared, got %q", errors.FieldOf(err))
	}
}

func TestValidator_NoSchema(t *testing.T) {
	v, _ := setupValidator(t)

	p := validPayload()
	p.DeviceType = "thermostat"
	_, err := v.Validate(context.Background(), "acme", p)
	if !errors.IsNotFound(err) {
		t.Fatalf("expected schema-not-found, got %v", err)
	}
}

func TestDeadLetterSink(t *testing.T) {
	sink, err := OpenDeadLetterSink(DeadLetterConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer sink.Close()

	sink.Add("acme", []byte(`{"deviceId":"dev-1"}`),
		errors.WithField(errors.ErrMissingRequired, "temperature"), "dev-1", "pump")
	sink.Add("acme", []byte(`{"deviceId":"dev-2"}`), errors.ErrDuplicateRecord, "dev-2", "pump")
	sink.Add("globex", []byte(`{}`), errors.ErrBufferFull, "dev-9", "pump")

	letters, err := sink.List("acme", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(letters) != 2 {
		t.Fatalf("expected 2 dead letters for acme, got %d", len(letters))
	}
	if letters[0].ErrorKind != "SchemaValidationError" {
		t.Errorf("unexpected error kind %q", letters[0].ErrorKind)
	}
	if letters[0].Field != "temperature" {
		t.Errorf("expected field temperature, got %q", letters[0].Field)
	}

	count, err := sink.Count("globex")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 dead letter for globex, got %d", count)
	}

	purged, err := sink.Purge("acme")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Errorf("expected 2 purged, got %d", purged)
	}
	count, _ = sink.Count("acme")
	if count != 0 {
		t.Errorf("expected 0 after purge, got %d", count)
	}
}

func TestService_EndToEnd(t *testing.T) {
	v, db := setupValidator(t)

	storeCfg := storage.DefaultConfig()
	storeCfg.DataDir = t.TempDir()
	storeCfg.MemoryLimit = ""
	store, err := storage.Open(storeCfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	sink, err := OpenDeadLetterSink(DeadLetterConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer sink.Close()

	writer := NewWriter(DefaultWriterConfig(), store, db, sink)
	svc := NewService(DefaultConfig(), v, writer, sink)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	bad := validPayload()
	bad.Fields["temperature"] = telemetry.String("hot")

	second := validPayload()
	second.Timestamp = 2_000

	result, err := svc.Ingest(context.Background(), "acme", []Payload{validPayload(), second, bad})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Accepted != 2 {
		t.Errorf("expected 2 accepted, got %d", result.Accepted)
	}
	if len(result.Rejected) != 1 || result.Rejected[0].Index != 2 {
		t.Fatalf("expected payload 2 rejected, got %+v", result.Rejected)
	}
	if result.Rejected[0].ErrorKind != "SchemaValidationError" {
		t.Errorf("unexpected error kind %q", result.Rejected[0].ErrorKind)
	}

	// Stop drains the shard queues.
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	count, err := store.RowCount(context.Background(), "acme")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 committed rows, got %d", count)
	}

	dead, err := sink.Count("acme")
	if err != nil {
		t.Fatalf("dead-letter count: %v", err)
	}
	if dead != 1 {
		t.Errorf("expected 1 dead letter, got %d", dead)
	}

	// Ingest after stop is refused.
	if _, err := svc.Ingest(context.Background(), "acme", []Payload{validPayload()}); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
}

func TestService_DuplicateDeadLetter(t *testing.T) {
	v, db := setupValidator(t)

	storeCfg := storage.DefaultConfig()
	storeCfg.DataDir = t.TempDir()
	storeCfg.MemoryLimit = ""
	store, err := storage.Open(storeCfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	sink, err := OpenDeadLetterSink(DeadLetterConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer sink.Close()

	writer := NewWriter(DefaultWriterConfig(), store, db, sink)

	ctx := context.Background()
	rec, err := v.Validate(ctx, "acme", validPayload())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if err := writer.Write(ctx, "acme", []telemetry.Record{rec}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// Same key again: rejected and dead-lettered under the default policy.
	if err := writer.Write(ctx, "acme", []telemetry.Record{rec}); err != nil {
		t.Fatalf("duplicate write: %v", err)
	}

	stats := writer.Stats()
	if stats.Written != 1 || stats.Duplicates != 1 {
		t.Errorf("unexpected writer stats: %+v", stats)
	}

	letters, err := sink.List("acme", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].ErrorKind != "DuplicateRecordError" {
		t.Errorf("unexpected error kind %q", letters[0].ErrorKind)
	}

	// Flipping the tenant to last-write-wins accepts the replacement.
	if err := db.UpsertTenantSettings(ctx, meta.TenantSettings{
		TenantID:        "acme",
		DuplicatePolicy: string(storage.PolicyLastWriteWins),
	}); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	if err := writer.Write(ctx, "acme", []telemetry.Record{rec}); err != nil {
		t.Fatalf("lww write: %v", err)
	}
	if got := writer.Stats().Duplicates; got != 1 {
		t.Errorf("lww write counted as duplicate: %d", got)
	}
}

func TestService_ShedsOldestWhenSaturated(t *testing.T) {
	v, db := setupValidator(t)

	storeCfg := storage.DefaultConfig()
	storeCfg.DataDir = t.TempDir()
	storeCfg.MemoryLimit = ""
	store, err := storage.Open(storeCfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	sink, err := OpenDeadLetterSink(DeadLetterConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer sink.Close()

	cfg := DefaultConfig()
	cfg.Shards = 1
	cfg.QueueDepth = 1
	writer := NewWriter(DefaultWriterConfig(), store, db, sink)
	svc := NewService(cfg, v, writer, sink)
	// Not started: no workers drain the queue, so the second batch must
	// displace the first.

	p1 := validPayload()
	p2 := validPayload()
	p2.Timestamp = 2_000

	svc.running.Store(true)
	if _, err := svc.Ingest(context.Background(), "acme", []Payload{p1}); err != nil {
		t.Fatalf("ingest p1: %v", err)
	}
	if _, err := svc.Ingest(context.Background(), "acme", []Payload{p2}); err != nil {
		t.Fatalf("ingest p2: %v", err)
	}

	if shed := svc.Stats().Shed; shed != 1 {
		t.Errorf("expected 1 shed record, got %d", shed)
	}

	letters, err := sink.List("acme", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].ErrorKind != "OverloadedError" {
		t.Errorf("unexpected error kind %q", letters[0].ErrorKind)
	}
}
