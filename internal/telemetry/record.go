package telemetry

import (
	"fmt"
	"time"
)

// SystemFields holds the fixed, well-known device attributes that every
// payload may carry alongside its schema-defined custom fields. All members
// are optional; nil means the device did not report the attribute.
type SystemFields struct {
	BatteryLevel   *float64 `json:"batteryLevel,omitempty"`
	SignalStrength *float64 `json:"signalStrength,omitempty"`
	Lat            *float64 `json:"lat,omitempty"`
	Lon            *float64 `json:"lon,omitempty"`
	Alt            *float64 `json:"alt,omitempty"`
}

// SystemFieldNames enumerates the payload keys partitioned into SystemFields.
var SystemFieldNames = []string{"batteryLevel", "signalStrength", "lat", "lon", "alt"}

// IsSystemField reports whether a payload key is a fixed system attribute.
func IsSystemField(name string) bool {
	switch name {
	case "batteryLevel", "signalStrength", "lat", "lon", "alt":
		return true
	}
	return false
}

// Record is a single validated telemetry measurement. Records are append-only:
// never mutated after a successful write and deleted only by the retention
// manager.
type Record struct {
	// Identity
	TenantID   string
	DeviceID   string
	DeviceType string

	// Timestamp
	TimestampMs int64 // Unix timestamp in milliseconds

	// Schema version the custom fields were validated against at ingestion.
	SchemaVersion int

	// Fixed attributes
	System SystemFields

	// The open payload bag, conforming to the schema version active at
	// ingestion time.
	Custom Value

	// Quality is an optional data-quality marker (0-100), negative if unset.
	Quality int
}

// TimestampTime returns the timestamp as a time.Time.
func (r *Record) TimestampTime() time.Time {
	return time.UnixMilli(r.TimestampMs)
}

// Key returns the logical record identity. Device IDs may collide across
// tenants, so the tenant is part of the key.
func (r *Record) Key() string {
	return fmt.Sprintf("%s/%s/%d", r.TenantID, r.DeviceID, r.TimestampMs)
}

// SeriesKey identifies the device series the record belongs to.
func (r *Record) SeriesKey() string {
	return r.TenantID + "/" + r.DeviceID
}

// Batch is a collection of records for batch processing.
type Batch struct {
	Records []Record
}

// NewBatch creates a batch with the given capacity.
func NewBatch(capacity int) *Batch {
	return &Batch{Records: make([]Record, 0, capacity)}
}

// Add appends a record to the batch.
func (b *Batch) Add(r Record) {
	b.Records = append(b.Records, r)
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.Records)
}

// Clear resets the batch for reuse.
func (b *Batch) Clear() {
	b.Records = b.Records[:0]
}
