package aggregate

import (
	"sync"
	"time"

	"github.com/xtxerr/beacon/internal/telemetry"
)

// Manager maintains streaming aggregates across many series for one bucket
// size. It handles bucket transitions and hands completed buckets to the
// caller for persistence.
type Manager struct {
	mu sync.RWMutex

	bucketSize time.Duration
	accuracy   float64

	// Active aggregates keyed by "tenant/deviceType/field".
	aggregates map[string]*StreamingAggregate

	// Completed buckets waiting to be flushed.
	completed []Result

	stats ManagerStats
}

// ManagerStats holds manager statistics.
type ManagerStats struct {
	ActiveAggregates int64
	CompletedPending int64
	ValuesProcessed  int64
	BucketsCompleted int64
	FlushesPerformed int64
}

// NewManager creates a manager. accuracy is the DDSketch relative accuracy
// for percentile tracking; zero disables percentiles.
func NewManager(bucketSize time.Duration, accuracy float64) *Manager {
	return &Manager{
		bucketSize: bucketSize,
		accuracy:   accuracy,
		aggregates: make(map[string]*StreamingAggregate),
	}
}

// Process folds one value into its series aggregate. A value landing in a
// newer bucket completes the series' previous bucket first. Values must
// arrive roughly time-ordered per series; a late value for an already
// completed bucket starts a fresh bucket rather than reopening the old one.
func (m *Manager) Process(tenantID, deviceType, fieldName string, value float64, timestampMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tenantID + "/" + deviceType + "/" + fieldName
	bucketStart, bucketEnd := telemetry.BucketRange(timestampMs, m.bucketSize.Milliseconds())

	agg, exists := m.aggregates[key]
	if !exists || bucketStart != agg.BucketStart() {
		if exists && !agg.IsEmpty() {
			m.completed = append(m.completed, agg.Result())
			m.stats.BucketsCompleted++
		}
		agg = New(tenantID, deviceType, fieldName, bucketStart, bucketEnd, m.accuracy)
		m.aggregates[key] = agg
	}

	agg.Add(value, timestampMs)
	m.stats.ValuesProcessed++
}

// FlushCompleted returns and clears all completed buckets.
func (m *Manager) FlushCompleted() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.completed) == 0 {
		return nil
	}

	results := m.completed
	m.completed = nil
	m.stats.FlushesPerformed++
	return results
}

// FlushAll completes every active aggregate and returns everything pending.
// Called at the end of a refresh window.
func (m *Manager) FlushAll() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, agg := range m.aggregates {
		if !agg.IsEmpty() {
			m.completed = append(m.completed, agg.Result())
			m.stats.BucketsCompleted++
		}
	}
	m.aggregates = make(map[string]*StreamingAggregate)

	results := m.completed
	m.completed = nil
	m.stats.FlushesPerformed++
	return results
}

// FlushOlderThan completes aggregates whose bucket started before cutoffMs.
func (m *Manager) FlushOlderThan(cutoffMs int64) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flushed []Result
	for key, agg := range m.aggregates {
		if agg.BucketStart() < cutoffMs && !agg.IsEmpty() {
			flushed = append(flushed, agg.Result())
			m.stats.BucketsCompleted++
			delete(m.aggregates, key)
		}
	}
	return flushed
}

// ActiveCount returns the number of open aggregates.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.aggregates)
}

// BucketSize returns the configured bucket span.
func (m *Manager) BucketSize() time.Duration {
	return m.bucketSize
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	stats.ActiveAggregates = int64(len(m.aggregates))
	stats.CompletedPending = int64(len(m.completed))
	return stats
}
