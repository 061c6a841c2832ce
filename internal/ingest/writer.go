package ingest

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
	"github.com/xtxerr/beacon/internal/meta"
	"github.com/xtxerr/beacon/internal/storage"
	"github.com/xtxerr/beacon/internal/telemetry"
)

var writerLog = logging.Component("ingest.writer")

// WriterConfig configures the store writer.
type WriterConfig struct {
	// MaxRetries bounds write attempts for retriable store errors.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the initial backoff, doubled per attempt.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// DefaultDuplicatePolicy applies to tenants without an explicit
	// policy.
	DefaultDuplicatePolicy string `yaml:"default_duplicate_policy"`
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		MaxRetries:             3,
		RetryBackoff:           100 * time.Millisecond,
		DefaultDuplicatePolicy: string(storage.PolicyReject),
	}
}

// Writer commits validated record batches to the telemetry store, applying
// the tenant's duplicate policy and dead-lettering rejected duplicates.
type Writer struct {
	cfg    WriterConfig
	store  *storage.Store
	metaDB *meta.DB
	sink   *DeadLetterSink

	written     atomic.Int64
	duplicates  atomic.Int64
	writeErrors atomic.Int64
}

// NewWriter creates a writer.
func NewWriter(cfg WriterConfig, store *storage.Store, metaDB *meta.DB, sink *DeadLetterSink) *Writer {
	return &Writer{
		cfg:    cfg,
		store:  store,
		metaDB: metaDB,
		sink:   sink,
	}
}

// policyFor resolves the duplicate policy for a tenant.
func (w *Writer) policyFor(ctx context.Context, tenantID string) storage.DuplicatePolicy {
	settings, err := w.metaDB.GetTenantSettings(ctx, tenantID)
	if err != nil {
		writerLog.Warn("tenant settings lookup failed, using default policy",
			"tenant_id", tenantID, "error", err)
		return storage.ParseDuplicatePolicy(w.cfg.DefaultDuplicatePolicy)
	}
	if settings.DuplicatePolicy != "" {
		return storage.ParseDuplicatePolicy(settings.DuplicatePolicy)
	}
	return storage.ParseDuplicatePolicy(w.cfg.DefaultDuplicatePolicy)
}

// Write commits one tenant's batch. Retriable store errors are retried with
// exponential backoff; a batch that exhausts retries is dead-lettered whole.
func (w *Writer) Write(ctx context.Context, tenantID string, batch []telemetry.Record) error {
	if len(batch) == 0 {
		return nil
	}

	policy := w.policyFor(ctx, tenantID)

	var result storage.AppendResult
	var err error
	backoff := w.cfg.RetryBackoff

	for attempt := 0; ; attempt++ {
		result, err = w.store.Append(ctx, batch, policy)
		if err == nil {
			break
		}
		if attempt >= w.cfg.MaxRetries || !errors.IsRetriable(err) {
			w.writeErrors.Add(1)
			w.deadLetterBatch(tenantID, batch, err)
			return err
		}

		writerLog.Warn("store append failed, retrying",
			"tenant_id", tenantID,
			"attempt", attempt+1,
			"error", err,
		)
		select {
		case <-ctx.Done():
			w.writeErrors.Add(1)
			return errors.Wrap(errors.ErrTimeout, "write canceled during backoff")
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	w.written.Add(int64(result.Inserted + result.Replaced))

	for i := range result.Duplicates {
		rec := &result.Duplicates[i]
		w.duplicates.Add(1)
		w.sink.Add(tenantID, recordPayload(rec),
			errors.Wrapf(errors.ErrDuplicateRecord, "record exists for %s", rec.Key()),
			rec.DeviceID, rec.DeviceType)
	}

	return nil
}

// deadLetterBatch sinks every record of a failed batch.
func (w *Writer) deadLetterBatch(tenantID string, batch []telemetry.Record, cause error) {
	for i := range batch {
		rec := &batch[i]
		w.sink.Add(tenantID, recordPayload(rec), cause, rec.DeviceID, rec.DeviceType)
	}
}

// recordPayload rebuilds a wire-shaped payload from a validated record so
// dead letters stay resubmittable.
func recordPayload(rec *telemetry.Record) []byte {
	p := Payload{
		DeviceID:   rec.DeviceID,
		DeviceType: rec.DeviceType,
		Timestamp:  rec.TimestampMs,
		Fields:     make(map[string]telemetry.Value),
	}
	if rec.Quality >= 0 {
		q := rec.Quality
		p.Quality = &q
	}
	for _, name := range rec.Custom.Keys() {
		if v, ok := rec.Custom.Field(name); ok {
			p.Fields[name] = v
		}
	}
	for name, v := range map[string]*float64{
		"batteryLevel":   rec.System.BatteryLevel,
		"signalStrength": rec.System.SignalStrength,
		"lat":            rec.System.Lat,
		"lon":            rec.System.Lon,
		"alt":            rec.System.Alt,
	} {
		if v != nil {
			p.Fields[name] = telemetry.Number(*v)
		}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// WriterStats holds writer counters.
type WriterStats struct {
	Written     int64
	Duplicates  int64
	WriteErrors int64
}

// Stats returns current counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written:     w.written.Load(),
		Duplicates:  w.duplicates.Load(),
		WriteErrors: w.writeErrors.Load(),
	}
}
