// Package query implements the tenant-scoped query engine.
//
// Every operation resolves its field names through the mapping resolver
// before touching data, runs as DuckDB SQL over the union of raw and
// compressed rows, and fails closed on its deadline: a query that cannot
// finish in time returns a timeout error, never partial results.
package query

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
	"github.com/xtxerr/beacon/internal/mapping"
	"github.com/xtxerr/beacon/internal/storage"
	"github.com/xtxerr/beacon/internal/telemetry"
)

var log = logging.Component("query")

// Config holds query engine configuration.
type Config struct {
	// DefaultTimeout applies when the caller's context carries no
	// deadline.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxLatestLookback bounds the scan window of latest-value queries.
	MaxLatestLookback time.Duration `yaml:"max_latest_lookback"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:    30 * time.Second,
		MaxLatestLookback: 7 * 24 * time.Hour,
	}
}

// Engine executes read queries against the telemetry store.
type Engine struct {
	cfg      Config
	store    *storage.Store
	resolver *mapping.Resolver

	mu    sync.Mutex
	stats Stats
}

// Stats holds engine counters.
type Stats struct {
	Queries        int64
	Timeouts       int64
	FieldRejected  int64
	ScopeViolation int64
}

// NewEngine creates a query engine.
func NewEngine(cfg Config, store *storage.Store, resolver *mapping.Resolver) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
	}
}

// AggregateRequest parameterizes a multi-field aggregation.
type AggregateRequest struct {
	TenantID    string
	DeviceType  string
	DeviceIDs   []string
	Fields      []string
	Aggregation telemetry.Aggregation
	Range       telemetry.TimeRange
	IntervalMs  int64
}

// KPIRequest parameterizes a KPI-with-trend query.
type KPIRequest struct {
	TenantID    string
	DeviceType  string
	DeviceIDs   []string
	Field       string
	Aggregation telemetry.Aggregation
	Range       telemetry.TimeRange
}

// CategoryRequest parameterizes a categorical grouping. When MetricField is
// empty each group's value is its record count; otherwise it is the
// aggregation of the metric field within the group.
type CategoryRequest struct {
	TenantID    string
	DeviceType  string
	DeviceIDs   []string
	Field       string
	MetricField string
	Aggregation telemetry.Aggregation
	Range       telemetry.TimeRange

	// Limit truncates to the top N groups; zero means all. Percentages are
	// always of the total across every group, not just the returned ones.
	Limit int
}

// LatestRequest parameterizes a latest-value query.
type LatestRequest struct {
	TenantID   string
	DeviceType string
	DeviceIDs  []string
	Fields     []string
	LookbackMs int64
}

// begin validates the tenant scope, applies the default deadline, and counts
// the query.
func (e *Engine) begin(ctx context.Context, tenantID string) (context.Context, context.CancelFunc, error) {
	if tenantID == "" {
		return nil, nil, errors.Wrap(errors.ErrInvalidRequest, "missing tenant id")
	}
	// A tenant already bound to the request context must match the query;
	// a mismatch is a bug upstream, not a user error.
	if bound := logging.TenantIDFromContext(ctx); bound != "" && bound != tenantID {
		e.count(func(s *Stats) { s.ScopeViolation++ })
		log.Error("tenant scope violation", "bound", bound, "requested", tenantID)
		return nil, nil, errors.ErrTenantScope
	}

	e.count(func(s *Stats) { s.Queries++ })

	if _, ok := ctx.Deadline(); !ok && e.cfg.DefaultTimeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.DefaultTimeout)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}

// finish classifies a query error, folding driver-level deadline errors into
// the timeout kind.
func (e *Engine) finish(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.IsTimeout(err) || ctx.Err() != nil {
		e.count(func(s *Stats) { s.Timeouts++ })
		return errors.Wrap(errors.ErrTimeout, "query deadline exceeded")
	}
	return err
}

// MultiFieldAggregate computes one time-bucketed series per requested field.
// Buckets are epoch-aligned to the interval; empty buckets are omitted. Any
// unknown or unqueryable field fails the whole query before data is read.
func (e *Engine) MultiFieldAggregate(ctx context.Context, req AggregateRequest) ([]telemetry.Series, error) {
	ctx, cancel, err := e.begin(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if len(req.Fields) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "no fields requested")
	}
	if req.IntervalMs <= 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "interval must be positive")
	}
	if err := validateRange(req.Range); err != nil {
		return nil, err
	}

	exprs, err := e.valueExprs(ctx, req.TenantID, req.DeviceType, req.Fields, exprNumber)
	if err != nil {
		if errors.IsFieldResolution(err) {
			e.count(func(s *Stats) { s.FieldRejected++ })
		}
		return nil, e.finish(ctx, err)
	}

	aggExpr, err := aggregationExpr(req.Aggregation, "v")
	if err != nil {
		return nil, err
	}

	source, sourceArgs, err := e.store.Source(ctx, req.TenantID, req.DeviceType, req.Range.StartMs, req.Range.EndMs)
	if err != nil {
		return nil, e.finish(ctx, err)
	}

	series := make([]telemetry.Series, 0, len(req.Fields))
	for i, field := range req.Fields {
		var sb strings.Builder
		args := append([]interface{}{}, sourceArgs...)

		sb.WriteString("SELECT (ts_ms // ?) * ? AS bucket, ")
		sb.WriteString(aggExpr)
		sb.WriteString(" AS value, COUNT(v) AS cnt FROM (SELECT ts_ms, ")
		sb.WriteString(exprs[i])
		sb.WriteString(" AS v FROM ")
		sb.WriteString(source)
		sb.WriteString(" src")
		deviceFilter(&sb, &args, req.DeviceIDs)
		sb.WriteString(") WHERE v IS NOT NULL GROUP BY bucket ORDER BY bucket")

		// Bucket placeholders precede the source args positionally.
		args = append([]interface{}{req.IntervalMs, req.IntervalMs}, args...)

		rows, err := e.store.DB().QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return nil, e.finish(ctx, errors.Wrapf(err, "aggregate %s", field))
		}

		points, err := scanDataPoints(rows)
		if err != nil {
			return nil, e.finish(ctx, err)
		}
		series = append(series, telemetry.Series{Field: field, DataPoints: points})
	}

	return series, nil
}

// KPIWithTrend aggregates one field over the requested range and over the
// immediately preceding adjacent range of equal length. PercentChange is nil
// when the previous period is empty or aggregates to zero.
func (e *Engine) KPIWithTrend(ctx context.Context, req KPIRequest) (telemetry.KPIResult, error) {
	var result telemetry.KPIResult

	ctx, cancel, err := e.begin(ctx, req.TenantID)
	if err != nil {
		return result, err
	}
	defer cancel()

	if err := validateRange(req.Range); err != nil {
		return result, err
	}

	span := req.Range.EndMs - req.Range.StartMs
	previous := telemetry.TimeRange{StartMs: req.Range.StartMs - span, EndMs: req.Range.StartMs}

	current, currentCount, err := e.scalarAggregate(ctx, req, req.Range)
	if err != nil {
		e.count(func(s *Stats) { s.FieldRejected++ })
		return result, e.finish(ctx, err)
	}
	prev, prevCount, err := e.scalarAggregate(ctx, req, previous)
	if err != nil {
		return result, e.finish(ctx, err)
	}

	if currentCount > 0 {
		result.CurrentValue = current
	}
	if prevCount > 0 {
		result.PreviousValue = prev
	}
	result.Change = result.CurrentValue - result.PreviousValue

	if prevCount > 0 && prev != 0 {
		pct := result.Change / prev * 100
		result.PercentChange = &pct
	}

	return result, nil
}

// scalarAggregate computes a single aggregate value over a range.
func (e *Engine) scalarAggregate(ctx context.Context, req KPIRequest, tr telemetry.TimeRange) (float64, int64, error) {
	exprs, err := e.valueExprs(ctx, req.TenantID, req.DeviceType, []string{req.Field}, exprNumber)
	if err != nil {
		return 0, 0, err
	}
	aggExpr, err := aggregationExpr(req.Aggregation, "v")
	if err != nil {
		return 0, 0, err
	}

	source, args, err := e.store.Source(ctx, req.TenantID, req.DeviceType, tr.StartMs, tr.EndMs)
	if err != nil {
		return 0, 0, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(aggExpr)
	sb.WriteString(", COUNT(v) FROM (SELECT ts_ms, ")
	sb.WriteString(exprs[0])
	sb.WriteString(" AS v FROM ")
	sb.WriteString(source)
	sb.WriteString(" src")
	deviceFilter(&sb, &args, req.DeviceIDs)
	sb.WriteString(") WHERE v IS NOT NULL")

	var value sql.NullFloat64
	var count int64
	if err := e.store.DB().QueryRowContext(ctx, sb.String(), args...).Scan(&value, &count); err != nil {
		return 0, 0, errors.Wrapf(err, "aggregate %s", req.Field)
	}
	return value.Float64, count, nil
}

// CategoricalGroup groups records by a string field's value. Groups are
// ordered by value descending, then category ascending; percentages are of
// the total across all groups and sum to 100 when any data exists.
func (e *Engine) CategoricalGroup(ctx context.Context, req CategoryRequest) ([]telemetry.CategoryResult, error) {
	ctx, cancel, err := e.begin(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if err := validateRange(req.Range); err != nil {
		return nil, err
	}

	catExprs, err := e.valueExprs(ctx, req.TenantID, req.DeviceType, []string{req.Field}, exprString)
	if err != nil {
		if errors.IsFieldResolution(err) {
			e.count(func(s *Stats) { s.FieldRejected++ })
		}
		return nil, e.finish(ctx, err)
	}

	valueExpr := "CAST(COUNT(*) AS DOUBLE)"
	var metricExpr string
	if req.MetricField != "" {
		metricExprs, err := e.valueExprs(ctx, req.TenantID, req.DeviceType, []string{req.MetricField}, exprNumber)
		if err != nil {
			if errors.IsFieldResolution(err) {
				e.count(func(s *Stats) { s.FieldRejected++ })
			}
			return nil, e.finish(ctx, err)
		}
		metricExpr = ", " + metricExprs[0] + " AS mv"
		if valueExpr, err = aggregationExpr(req.Aggregation, "mv"); err != nil {
			return nil, err
		}
	}

	source, args, err := e.store.Source(ctx, req.TenantID, req.DeviceType, req.Range.StartMs, req.Range.EndMs)
	if err != nil {
		return nil, e.finish(ctx, err)
	}

	var sb strings.Builder
	sb.WriteString("SELECT category, ")
	sb.WriteString(valueExpr)
	sb.WriteString(" AS value, COUNT(*) AS cnt FROM (SELECT ts_ms, ")
	sb.WriteString(catExprs[0])
	sb.WriteString(" AS category")
	sb.WriteString(metricExpr)
	sb.WriteString(" FROM ")
	sb.WriteString(source)
	sb.WriteString(" src")
	deviceFilter(&sb, &args, req.DeviceIDs)
	sb.WriteString(") WHERE category IS NOT NULL GROUP BY category ORDER BY value DESC, category ASC")

	rows, err := e.store.DB().QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, e.finish(ctx, errors.Wrapf(err, "group by %s", req.Field))
	}
	defer rows.Close()

	var results []telemetry.CategoryResult
	var total float64
	for rows.Next() {
		var r telemetry.CategoryResult
		var value sql.NullFloat64
		if err := rows.Scan(&r.Category, &value, &r.Count); err != nil {
			return nil, e.finish(ctx, errors.Wrap(err, "scan category"))
		}
		r.Value = value.Float64
		total += r.Value
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, e.finish(ctx, err)
	}

	if total != 0 {
		for i := range results {
			results[i].Percentage = results[i].Value / total * 100
		}
	}
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}

	return results, nil
}

// Latest returns the most recent non-null value per (device, field) within
// the lookback window. The window is bounded so a device that went silent
// long ago costs a bounded scan, not a full-history walk.
func (e *Engine) Latest(ctx context.Context, req LatestRequest) ([]telemetry.LatestValue, error) {
	ctx, cancel, err := e.begin(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if len(req.Fields) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "no fields requested")
	}

	lookback := req.LookbackMs
	maxLookback := e.cfg.MaxLatestLookback.Milliseconds()
	if lookback <= 0 || lookback > maxLookback {
		lookback = maxLookback
	}
	now := time.Now().UnixMilli()
	startMs, endMs := now-lookback, now+1

	exprs, err := e.valueExprs(ctx, req.TenantID, req.DeviceType, req.Fields, exprJSON)
	if err != nil {
		if errors.IsFieldResolution(err) {
			e.count(func(s *Stats) { s.FieldRejected++ })
		}
		return nil, e.finish(ctx, err)
	}

	source, sourceArgs, err := e.store.Source(ctx, req.TenantID, req.DeviceType, startMs, endMs)
	if err != nil {
		return nil, e.finish(ctx, err)
	}

	var results []telemetry.LatestValue
	for i, field := range req.Fields {
		var sb strings.Builder
		args := append([]interface{}{}, sourceArgs...)

		sb.WriteString("SELECT device_id, arg_max(v, ts_ms), MAX(ts_ms) FROM (SELECT device_id, ts_ms, ")
		sb.WriteString(exprs[i])
		sb.WriteString(" AS v FROM ")
		sb.WriteString(source)
		sb.WriteString(" src")
		deviceFilter(&sb, &args, req.DeviceIDs)
		sb.WriteString(") WHERE v IS NOT NULL GROUP BY device_id ORDER BY device_id")

		rows, err := e.store.DB().QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return nil, e.finish(ctx, errors.Wrapf(err, "latest %s", field))
		}

		latest, err := scanLatest(rows, field)
		if err != nil {
			return nil, e.finish(ctx, err)
		}
		results = append(results, latest...)
	}

	return results, nil
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) count(fn func(*Stats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}
