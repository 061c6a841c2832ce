// Package ingest implements the write path: payload validation against the
// active schema, sharded buffered writes into the telemetry store, and a
// dead-letter sink for everything rejected along the way.
package ingest

import (
	"context"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/meta"
	"github.com/xtxerr/beacon/internal/schema"
	"github.com/xtxerr/beacon/internal/telemetry"
)

// Payload is one raw ingest measurement as received on the wire. Fields
// holds the flat payload bag; system attributes (batteryLevel, lat, ...) are
// recognized by name and split out during validation.
type Payload struct {
	DeviceID   string                     `json:"deviceId"`
	DeviceType string                     `json:"deviceTypeId"`
	Timestamp  int64                      `json:"timestamp"`
	Quality    *int                       `json:"quality,omitempty"`
	Fields     map[string]telemetry.Value `json:"fields"`
}

// Validator turns raw payloads into validated records. Validation runs
// against the schema version active at ingestion time; the record carries
// that version forever.
type Validator struct {
	registry *schema.Registry
	metaDB   *meta.DB
}

// NewValidator creates a validator.
func NewValidator(registry *schema.Registry, metaDB *meta.DB) *Validator {
	return &Validator{registry: registry, metaDB: metaDB}
}

// Validate checks one payload and builds the record. The returned error is
// always classifiable via errors.Kind.
func (v *Validator) Validate(ctx context.Context, tenantID string, p Payload) (telemetry.Record, error) {
	var rec telemetry.Record

	if p.DeviceID == "" {
		return rec, errors.Wrap(errors.ErrInvalidRequest, "payload missing device id")
	}
	if p.DeviceType == "" {
		return rec, errors.Wrap(errors.ErrInvalidRequest, "payload missing device type")
	}
	if p.Timestamp <= 0 {
		return rec, errors.Wrap(errors.ErrInvalidRequest, "payload missing timestamp")
	}
	if p.Quality != nil && (*p.Quality < 0 || *p.Quality > 100) {
		return rec, errors.Wrap(errors.ErrInvalidRequest, "quality outside 0-100")
	}

	active, version, err := v.registry.GetActive(ctx, tenantID, p.DeviceType)
	if err != nil {
		return rec, err
	}

	settings, err := v.metaDB.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return rec, err
	}

	system, custom, err := splitFields(p.Fields)
	if err != nil {
		return rec, err
	}

	if err := validateCustom(active, custom, settings.StrictIngestion); err != nil {
		return rec, err
	}

	rec = telemetry.Record{
		TenantID:      tenantID,
		DeviceID:      p.DeviceID,
		DeviceType:    p.DeviceType,
		TimestampMs:   p.Timestamp,
		SchemaVersion: version,
		System:        system,
		Custom:        telemetry.Object(custom),
		Quality:       -1,
	}
	if p.Quality != nil {
		rec.Quality = *p.Quality
	}
	return rec, nil
}

// splitFields partitions the payload bag into system attributes and custom
// fields. System attributes must be numeric.
func splitFields(fields map[string]telemetry.Value) (telemetry.SystemFields, map[string]telemetry.Value, error) {
	var system telemetry.SystemFields
	custom := make(map[string]telemetry.Value, len(fields))

	for name, value := range fields {
		if !telemetry.IsSystemField(name) {
			custom[name] = value
			continue
		}

		f, ok := value.AsFloat()
		if !ok {
			return system, nil, errors.WithField(
				errors.Wrapf(errors.ErrTypeMismatch, "system attribute must be numeric, got %s", value.Kind()), name)
		}
		v := f
		switch name {
		case "batteryLevel":
			system.BatteryLevel = &v
		case "signalStrength":
			system.SignalStrength = &v
		case "lat":
			system.Lat = &v
		case "lon":
			system.Lon = &v
		case "alt":
			system.Alt = &v
		}
	}

	return system, custom, nil
}

// validateCustom checks the custom bag against the schema. In strict mode
// undeclared fields reject the payload; in permissive mode they pass through
// unvalidated and stay queryable via custom mappings.
func validateCustom(s *schema.Schema, custom map[string]telemetry.Value, strict bool) error {
	for _, f := range s.Fields {
		value, present := custom[f.Name]
		if !present || value.IsNull() {
			if f.Required {
				return errors.WithField(errors.ErrMissingRequired, f.Name)
			}
			continue
		}

		if !f.Type.Matches(value) {
			return errors.WithField(
				errors.Wrapf(errors.ErrTypeMismatch, "declared %s, got %s", f.Type, value.Kind()), f.Name)
		}

		if f.Type == schema.TypeNumber {
			n, _ := value.AsFloat()
			if f.Min != nil && n < *f.Min {
				return errors.WithField(
					errors.Wrapf(errors.ErrSchemaValidation, "value %v below minimum %v", n, *f.Min), f.Name)
			}
			if f.Max != nil && n > *f.Max {
				return errors.WithField(
					errors.Wrapf(errors.ErrSchemaValidation, "value %v above maximum %v", n, *f.Max), f.Name)
			}
		}

		if len(f.Enum) > 0 {
			s, _ := value.AsString()
			if !contains(f.Enum, s) {
				return errors.WithField(
					errors.Wrapf(errors.ErrSchemaValidation, "value %q not in enum", s), f.Name)
			}
		}
	}

	if strict {
		for name := range custom {
			if _, declared := s.FieldByName(name); !declared {
				return errors.WithField(errors.ErrUndeclaredField, name)
			}
		}
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
