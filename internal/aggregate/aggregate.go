// Package aggregate maintains streaming per-bucket statistics for rollup
// refreshes. Each aggregate covers one (tenant, deviceType, field) series and
// one time bucket; values stream through once, percentiles come from a
// DDSketch rather than a sorted buffer.
package aggregate

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/beacon/internal/telemetry"
)

// Result is the materialized form of one completed bucket.
type Result struct {
	TenantID    string `json:"tenantId"`
	DeviceType  string `json:"deviceTypeId"`
	FieldName   string `json:"fieldName"`
	BucketStart int64  `json:"bucketStart"`
	BucketEnd   int64  `json:"bucketEnd"`

	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`

	P50 *float64 `json:"p50,omitempty"`
	P90 *float64 `json:"p90,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
	P99 *float64 `json:"p99,omitempty"`

	FirstTs int64 `json:"firstTs"`
	LastTs  int64 `json:"lastTs"`
}

// ValueFor extracts the value of one aggregation function from the result.
// ok is false for percentiles that were not computed.
func (r Result) ValueFor(agg telemetry.Aggregation) (float64, bool) {
	switch agg {
	case telemetry.AggAvg:
		return r.Avg, true
	case telemetry.AggSum:
		return r.Sum, true
	case telemetry.AggMin:
		return r.Min, true
	case telemetry.AggMax:
		return r.Max, true
	case telemetry.AggCount:
		return float64(r.Count), true
	case telemetry.AggP50, telemetry.AggMedian:
		if r.P50 != nil {
			return *r.P50, true
		}
	case telemetry.AggP90:
		if r.P90 != nil {
			return *r.P90, true
		}
	case telemetry.AggP95:
		if r.P95 != nil {
			return *r.P95, true
		}
	case telemetry.AggP99:
		if r.P99 != nil {
			return *r.P99, true
		}
	}
	return 0, false
}

// StreamingAggregate maintains running statistics for a single bucket of a
// single series.
type StreamingAggregate struct {
	mu sync.Mutex

	tenantID   string
	deviceType string
	fieldName  string

	bucketStart int64
	bucketEnd   int64

	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs int64
	lastTs  int64

	sketch *ddsketch.DDSketch
}

// New creates an aggregate for the given bucket. accuracy is the DDSketch
// relative accuracy; zero disables percentile tracking.
func New(tenantID, deviceType, fieldName string, bucketStart, bucketEnd int64, accuracy float64) *StreamingAggregate {
	agg := &StreamingAggregate{
		tenantID:    tenantID,
		deviceType:  deviceType,
		fieldName:   fieldName,
		bucketStart: bucketStart,
		bucketEnd:   bucketEnd,
		min:         math.MaxFloat64,
		max:         -math.MaxFloat64,
	}

	if accuracy > 0 {
		if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
			agg.sketch = sketch
		}
	}

	return agg
}

// Add folds one value into the aggregate.
func (a *StreamingAggregate) Add(value float64, timestampMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	if a.firstTs == 0 || timestampMs < a.firstTs {
		a.firstTs = timestampMs
	}
	if timestampMs > a.lastTs {
		a.lastTs = timestampMs
	}

	if a.sketch != nil {
		a.sketch.Add(value)
	}
}

// Count returns the number of values added.
func (a *StreamingAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// IsEmpty reports whether no values have been added.
func (a *StreamingAggregate) IsEmpty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count == 0
}

// Result materializes the bucket.
func (a *StreamingAggregate) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := Result{
		TenantID:    a.tenantID,
		DeviceType:  a.deviceType,
		FieldName:   a.fieldName,
		BucketStart: a.bucketStart,
		BucketEnd:   a.bucketEnd,
		Count:       a.count,
		Sum:         a.sum,
		FirstTs:     a.firstTs,
		LastTs:      a.lastTs,
	}

	if a.count > 0 {
		result.Avg = a.sum / float64(a.count)
		result.Min = a.min
		result.Max = a.max
	}

	if a.sketch != nil && a.count > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p90, _ := a.sketch.GetValueAtQuantile(0.90)
		p95, _ := a.sketch.GetValueAtQuantile(0.95)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		result.P50, result.P90, result.P95, result.P99 = &p50, &p90, &p95, &p99
	}

	return result
}

// Merge combines another aggregate into this one. Both must cover the same
// bucket of the same series.
func (a *StreamingAggregate) Merge(other *StreamingAggregate) {
	if other == nil || other.Count() == 0 {
		return
	}

	a.mu.Lock()
	other.mu.Lock()
	defer a.mu.Unlock()
	defer other.mu.Unlock()

	a.count += other.count
	a.sum += other.sum

	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}

	if a.firstTs == 0 || (other.firstTs != 0 && other.firstTs < a.firstTs) {
		a.firstTs = other.firstTs
	}
	if other.lastTs > a.lastTs {
		a.lastTs = other.lastTs
	}

	if a.sketch != nil && other.sketch != nil {
		a.sketch.MergeWith(other.sketch)
	}
}

// BucketStart returns the bucket start timestamp.
func (a *StreamingAggregate) BucketStart() int64 { return a.bucketStart }

// BucketEnd returns the bucket end timestamp.
func (a *StreamingAggregate) BucketEnd() int64 { return a.bucketEnd }

// Key returns the series key.
func (a *StreamingAggregate) Key() string {
	return a.tenantID + "/" + a.deviceType + "/" + a.fieldName
}

// BucketDuration returns the bucket span.
func (a *StreamingAggregate) BucketDuration() time.Duration {
	return time.Duration(a.bucketEnd-a.bucketStart) * time.Millisecond
}
