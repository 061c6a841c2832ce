package telemetry

import (
	"fmt"
	"time"
)

// Aggregation identifies one of the fixed, enumerated aggregation functions
// the query engine supports.
type Aggregation int

const (
	AggAvg Aggregation = iota
	AggSum
	AggMin
	AggMax
	AggCount
	AggFirst
	AggLast
	AggMedian
	AggP50
	AggP90
	AggP95
	AggP99
)

// String returns the wire name of the aggregation.
func (a Aggregation) String() string {
	switch a {
	case AggAvg:
		return "avg"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggCount:
		return "count"
	case AggFirst:
		return "first"
	case AggLast:
		return "last"
	case AggMedian:
		return "median"
	case AggP50:
		return "p50"
	case AggP90:
		return "p90"
	case AggP95:
		return "p95"
	case AggP99:
		return "p99"
	default:
		return "unknown"
	}
}

// ParseAggregation parses a wire aggregation name.
func ParseAggregation(s string) (Aggregation, error) {
	switch s {
	case "avg", "average", "mean":
		return AggAvg, nil
	case "sum":
		return AggSum, nil
	case "min":
		return AggMin, nil
	case "max":
		return AggMax, nil
	case "count":
		return AggCount, nil
	case "first":
		return AggFirst, nil
	case "last":
		return AggLast, nil
	case "median":
		return AggMedian, nil
	case "p50":
		return AggP50, nil
	case "p90":
		return AggP90, nil
	case "p95":
		return AggP95, nil
	case "p99":
		return AggP99, nil
	default:
		return AggAvg, fmt.Errorf("unknown aggregation %q", s)
	}
}

// IsPercentile reports whether the aggregation is quantile-based.
func (a Aggregation) IsPercentile() bool {
	switch a {
	case AggMedian, AggP50, AggP90, AggP95, AggP99:
		return true
	}
	return false
}

// Quantile returns the quantile for percentile aggregations (median = 0.5).
func (a Aggregation) Quantile() float64 {
	switch a {
	case AggMedian, AggP50:
		return 0.50
	case AggP90:
		return 0.90
	case AggP95:
		return 0.95
	case AggP99:
		return 0.99
	default:
		return 0
	}
}

// =============================================================================
// Bucket alignment
// =============================================================================

// BucketStart aligns a timestamp down to an epoch-relative bucket boundary.
// Buckets are aligned to the epoch, not to a query's start time, so that
// overlapping queries share bucket edges.
func BucketStart(tsMs, intervalMs int64) int64 {
	if intervalMs <= 0 {
		return tsMs
	}
	start := (tsMs / intervalMs) * intervalMs
	if tsMs < 0 && tsMs%intervalMs != 0 {
		start -= intervalMs
	}
	return start
}

// BucketRange returns the epoch-aligned bucket [start, end) containing tsMs.
func BucketRange(tsMs, intervalMs int64) (start, end int64) {
	start = BucketStart(tsMs, intervalMs)
	end = start + intervalMs
	return
}

// =============================================================================
// Query results
// =============================================================================

// DataPoint is one aggregated value in a time-bucketed series.
type DataPoint struct {
	TimestampMs int64   `json:"timestamp"`
	Value       float64 `json:"value"`
	Count       int64   `json:"count"`
}

// Series is the aggregated time series for a single field.
type Series struct {
	Field      string      `json:"field"`
	DataPoints []DataPoint `json:"dataPoints"`
}

// TimeRange bounds a query.
type TimeRange struct {
	StartMs int64 `json:"start"`
	EndMs   int64 `json:"end"`
}

// Duration returns the range length.
func (tr TimeRange) Duration() time.Duration {
	return time.Duration(tr.EndMs-tr.StartMs) * time.Millisecond
}

// KPIResult compares an aggregate over the current period against the
// immediately preceding adjacent period of equal length.
type KPIResult struct {
	CurrentValue  float64  `json:"currentValue"`
	PreviousValue float64  `json:"previousValue"`
	Change        float64  `json:"change"`
	// PercentChange is nil when the previous period has no data or
	// aggregates to zero; it is never a divide-by-zero fault.
	PercentChange *float64 `json:"percentChange"`
}

// CategoryResult is one group of a categorical aggregation.
type CategoryResult struct {
	Category   string  `json:"category"`
	Value      float64 `json:"value"`
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

// LatestValue is the most recent value for one device/field pair.
type LatestValue struct {
	DeviceID    string `json:"deviceId"`
	Field       string `json:"field"`
	TimestampMs int64  `json:"timestamp"`
	Value       Value  `json:"value"`
}
