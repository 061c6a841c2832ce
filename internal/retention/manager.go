// Package retention drives the data lifecycle: compressing raw chunks past
// the compression boundary, expiring chunks past the retention boundary, and
// refreshing registered continuous aggregates. Every pass is idempotent and
// resumes from chunk state and rollup watermarks, so a crashed or skipped
// pass costs nothing but time.
package retention

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/beacon/internal/aggregate"
	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
	"github.com/xtxerr/beacon/internal/mapping"
	"github.com/xtxerr/beacon/internal/meta"
	"github.com/xtxerr/beacon/internal/schema"
	"github.com/xtxerr/beacon/internal/storage"
	"github.com/xtxerr/beacon/internal/telemetry"
)

var log = logging.Component("retention")

// Config holds retention manager configuration.
type Config struct {
	// Interval between passes.
	Interval time.Duration `yaml:"interval"`

	// RawRetention is how long chunks stay raw before compression.
	RawRetention time.Duration `yaml:"raw_retention"`

	// CompressedRetention is how long data lives before expiry.
	CompressedRetention time.Duration `yaml:"compressed_retention"`

	// RollupFreshness keeps rollup refreshes away from the ingest edge, so
	// buckets are only materialized once late data has had time to land.
	RollupFreshness time.Duration `yaml:"rollup_freshness"`

	// SketchAccuracy is the DDSketch relative accuracy for rollup
	// percentiles.
	SketchAccuracy float64 `yaml:"sketch_accuracy"`

	// Workers bounds concurrent partition passes.
	Workers int `yaml:"workers"`

	// LockTTL bounds how long a dead pass can hold a partition lock.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// DryRun logs what a pass would do without changing anything.
	DryRun bool `yaml:"dry_run"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Minute,
		RawRetention:        7 * 24 * time.Hour,
		CompressedRetention: 90 * 24 * time.Hour,
		RollupFreshness:     5 * time.Minute,
		SketchAccuracy:      0.01,
		Workers:             4,
		LockTTL:             5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.RawRetention <= 0 || c.CompressedRetention <= 0 {
		return errors.New("retention boundaries must be positive")
	}
	if c.CompressedRetention <= c.RawRetention {
		return errors.New("compressed_retention must exceed raw_retention")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	return nil
}

// Manager runs the retention loop.
type Manager struct {
	cfg      Config
	store    *storage.Store
	metaDB   *meta.DB
	resolver *mapping.Resolver
	locker   Locker

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// Stats holds retention counters.
type Stats struct {
	PassesRun        int64
	ChunksCompressed int64
	ChunksExpired    int64
	ChunksDeferred   int64
	RollupsRefreshed int64
	BucketsWritten   int64
	LocksContended   int64
	Errors           int64
}

// NewManager creates a retention manager.
func NewManager(cfg Config, store *storage.Store, metaDB *meta.DB, resolver *mapping.Resolver, locker Locker) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		metaDB:   metaDB,
		resolver: resolver,
		locker:   locker,
	}
}

// Start launches the periodic retention loop.
func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.ErrClosed
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.run()

	log.Info("retention manager started",
		"interval", m.cfg.Interval,
		"raw_retention", m.cfg.RawRetention,
		"compressed_retention", m.cfg.CompressedRetention,
		"dry_run", m.cfg.DryRun)
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
	log.Info("retention manager stopped")
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunOnce(m.ctx); err != nil && m.ctx.Err() == nil {
				m.count(func(s *Stats) { s.Errors++ })
				log.Error("retention pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes one full pass over every partition.
func (m *Manager) RunOnce(ctx context.Context) error {
	partitions, err := m.store.Partitions(ctx)
	if err != nil {
		return err
	}
	m.count(func(s *Stats) { s.PassesRun++ })

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for _, p := range partitions {
		p := p
		g.Go(func() error { return m.runPartition(ctx, p) })
	}
	return g.Wait()
}

// runPartition works one partition under its lock. A contended lock means
// another instance is already on it; that pass is simply skipped.
func (m *Manager) runPartition(ctx context.Context, p storage.Partition) error {
	release, err := m.locker.Acquire(ctx, "retention/"+p.TenantID+"/"+p.DeviceType, m.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, errors.ErrLockHeld) {
			m.count(func(s *Stats) { s.LocksContended++ })
			return nil
		}
		return err
	}
	defer release()

	now := time.Now().UnixMilli()
	if err := m.compressPass(ctx, p, now-m.cfg.RawRetention.Milliseconds()); err != nil {
		return err
	}
	if err := m.expirePass(ctx, p, now-m.cfg.CompressedRetention.Milliseconds()); err != nil {
		return err
	}
	return m.refreshRollups(ctx, p, now)
}

// compressPass rewrites raw chunks fully past the compression boundary into
// parquet files.
func (m *Manager) compressPass(ctx context.Context, p storage.Partition, cutoffMs int64) error {
	chunks, err := m.store.ChunksBefore(ctx, p, storage.ChunkRaw, cutoffMs)
	if err != nil {
		return err
	}

	for _, c := range chunks {
		if m.cfg.DryRun {
			log.Info("dry run: would compress chunk",
				"tenant", c.TenantID, "device_type", c.DeviceType, "start_ms", c.StartMs)
			continue
		}
		if err := m.store.CompressChunk(ctx, c); err != nil {
			// A chunk that flipped state under us is retried next pass.
			if errors.Is(err, errors.ErrRetentionConflict) {
				m.count(func(s *Stats) { s.ChunksDeferred++ })
				continue
			}
			return err
		}
		m.count(func(s *Stats) { s.ChunksCompressed++ })
	}
	return nil
}

// expirePass drops chunks fully past the retention boundary, whatever their
// state.
func (m *Manager) expirePass(ctx context.Context, p storage.Partition, cutoffMs int64) error {
	for _, state := range []storage.ChunkState{storage.ChunkCompressed, storage.ChunkRaw} {
		chunks, err := m.store.ChunksBefore(ctx, p, state, cutoffMs)
		if err != nil {
			return err
		}

		for _, c := range chunks {
			if m.cfg.DryRun {
				log.Info("dry run: would expire chunk",
					"tenant", c.TenantID, "device_type", c.DeviceType, "start_ms", c.StartMs)
				continue
			}
			if err := m.store.ExpireChunk(ctx, c); err != nil {
				if errors.Is(err, errors.ErrRetentionConflict) {
					m.count(func(s *Stats) { s.ChunksDeferred++ })
					continue
				}
				return err
			}
			m.count(func(s *Stats) { s.ChunksExpired++ })
		}
	}
	return nil
}

// refreshRollups recomputes every registered continuous aggregate of the
// partition from its watermark up to the freshness boundary.
func (m *Manager) refreshRollups(ctx context.Context, p storage.Partition, nowMs int64) error {
	specs, err := m.metaDB.ListRollups(ctx, p.TenantID)
	if err != nil {
		return err
	}

	for _, spec := range specs {
		if spec.DeviceType != p.DeviceType {
			continue
		}
		if err := m.refreshRollup(ctx, spec, nowMs); err != nil {
			if errors.IsFieldResolution(err) || errors.Is(err, errors.ErrInvalidRequest) {
				// The field's mapping went away or stopped being numeric;
				// the registration outlives it but cannot be refreshed.
				log.Warn("rollup field no longer refreshable",
					"tenant", spec.TenantID, "device_type", spec.DeviceType,
					"field", spec.FieldName, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Manager) refreshRollup(ctx context.Context, spec meta.RollupSpec, nowMs int64) error {
	// Only buckets whose end is past the freshness boundary are complete
	// enough to materialize.
	endMs := telemetry.BucketStart(nowMs-m.cfg.RollupFreshness.Milliseconds(), spec.BucketMs)
	startMs := spec.LastRefreshedMs
	if endMs <= startMs {
		return nil
	}

	expr, err := m.fieldExpr(ctx, spec)
	if err != nil {
		return err
	}

	source, args, err := m.store.Source(ctx, spec.TenantID, spec.DeviceType, startMs, endMs)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ts_ms, v FROM (SELECT ts_ms, ")
	sb.WriteString(expr)
	sb.WriteString(" AS v FROM ")
	sb.WriteString(source)
	sb.WriteString(" src) WHERE v IS NOT NULL ORDER BY ts_ms")

	rows, err := m.store.DB().QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return errors.Wrapf(err, "scan rollup window %s", spec.Key())
	}
	defer rows.Close()

	mgr := aggregate.NewManager(time.Duration(spec.BucketMs)*time.Millisecond, m.cfg.SketchAccuracy)
	for rows.Next() {
		var tsMs int64
		var v float64
		if err := rows.Scan(&tsMs, &v); err != nil {
			return errors.Wrap(err, "scan rollup value")
		}
		mgr.Process(spec.TenantID, spec.DeviceType, spec.FieldName, v, tsMs)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	results := mgr.FlushAll()
	if m.cfg.DryRun {
		log.Info("dry run: would write rollup buckets", "rollup", spec.Key(), "buckets", len(results))
		return nil
	}

	if err := m.store.UpsertRollups(ctx, spec.BucketMs, results); err != nil {
		return err
	}
	if err := m.metaDB.AdvanceRollupWatermark(ctx, spec, endMs); err != nil {
		return err
	}

	m.count(func(s *Stats) {
		s.RollupsRefreshed++
		s.BucketsWritten += int64(len(results))
	})
	return nil
}

// fieldExpr resolves a rollup's field to a numeric SQL projection, the same
// shape the query engine aggregates over.
func (m *Manager) fieldExpr(ctx context.Context, spec meta.RollupSpec) (string, error) {
	switch spec.FieldName {
	case "batteryLevel":
		return "battery_level", nil
	case "signalStrength":
		return "signal_strength", nil
	case "lat", "lon", "alt":
		return spec.FieldName, nil
	case "quality":
		return "CAST(quality AS DOUBLE)", nil
	}

	fm, err := m.resolver.Resolve(ctx, spec.TenantID, spec.DeviceType, spec.FieldName)
	if err != nil {
		return "", err
	}
	if fm.DataType != schema.TypeNumber {
		return "", errors.WithField(
			errors.Wrapf(errors.ErrInvalidRequest, "rollup requires a numeric field, %s is %s", spec.FieldName, fm.DataType),
			spec.FieldName)
	}

	path, err := telemetry.JSONPath(fm.ExtractionPath)
	if err != nil {
		return "", errors.WithField(err, spec.FieldName)
	}
	quoted := "'" + strings.ReplaceAll(path, "'", "''") + "'"
	return "TRY_CAST(json_extract_string(custom, " + quoted + ") AS DOUBLE)", nil
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) count(fn func(*Stats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}
