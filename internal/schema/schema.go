// Package schema implements the versioned schema registry.
//
// Schemas are immutable once published: evolving a device type means
// publishing a new version. Each (tenant, deviceType) pair has exactly one
// active version at any time, selected by an explicit pointer rather than
// "latest wins". Versions are retained indefinitely so historical records can
// be re-validated against the version they were ingested under.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/telemetry"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	TypeNumber  FieldType = "number"
	TypeString  FieldType = "string"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Valid reports whether the field type is one of the declared types.
func (t FieldType) Valid() bool {
	switch t {
	case TypeNumber, TypeString, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Matches reports whether a payload value conforms to the declared type.
// Null matches nothing; required-field checks reject it, optional fields
// simply omit the key instead.
func (t FieldType) Matches(v telemetry.Value) bool {
	switch t {
	case TypeNumber:
		return v.Kind() == telemetry.KindNumber
	case TypeString:
		return v.Kind() == telemetry.KindString
	case TypeBoolean:
		return v.Kind() == telemetry.KindBool
	case TypeArray:
		return v.Kind() == telemetry.KindArray
	case TypeObject:
		return v.Kind() == telemetry.KindObject
	}
	return false
}

// Field is one declared field of a schema.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Unit     string    `json:"unit,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	Required bool      `json:"required"`
	Enum     []string  `json:"enum,omitempty"`
}

// Schema is one immutable, versioned schema definition for a device type.
type Schema struct {
	TenantID     string   `json:"tenantId"`
	DeviceType   string   `json:"deviceType"`
	Version      int      `json:"version"`
	Fields       []Field  `json:"fields"`
	SystemFields []string `json:"systemFields,omitempty"`
}

// FieldByName returns the declared field with the given name.
func (s *Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// RequiredFields returns the names of all required fields.
func (s *Schema) RequiredFields() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

var fieldNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the schema definition itself: field names, types, and the
// coherence of range/enum constraints.
func (s *Schema) Validate() error {
	if s.TenantID == "" {
		return errors.Wrap(errors.ErrInvalidSchema, "missing tenant id")
	}
	if s.DeviceType == "" {
		return errors.Wrap(errors.ErrInvalidSchema, "missing device type")
	}
	if len(s.Fields) == 0 {
		return errors.Wrap(errors.ErrInvalidSchema, "schema declares no fields")
	}

	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if !fieldNameRe.MatchString(f.Name) {
			return errors.WithField(errors.Wrap(errors.ErrInvalidSchema, "invalid field name"), f.Name)
		}
		if telemetry.IsSystemField(f.Name) {
			return errors.WithField(errors.Wrap(errors.ErrInvalidSchema, "field name collides with system attribute"), f.Name)
		}
		if seen[f.Name] {
			return errors.WithField(errors.Wrap(errors.ErrInvalidSchema, "duplicate field"), f.Name)
		}
		seen[f.Name] = true

		if !f.Type.Valid() {
			return errors.WithField(errors.Wrapf(errors.ErrInvalidSchema, "unknown type %q", f.Type), f.Name)
		}
		if (f.Min != nil || f.Max != nil) && f.Type != TypeNumber {
			return errors.WithField(errors.Wrap(errors.ErrInvalidSchema, "min/max on non-number field"), f.Name)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return errors.WithField(errors.Wrap(errors.ErrInvalidSchema, "min exceeds max"), f.Name)
		}
		if len(f.Enum) > 0 && f.Type != TypeString {
			return errors.WithField(errors.Wrap(errors.ErrInvalidSchema, "enum on non-string field"), f.Name)
		}
	}

	return nil
}

// removedRequired returns required fields of prev that next no longer
// declares. Publishing such a change silently would orphan historical data,
// so it needs an explicit breaking-change flag.
func removedRequired(prev, next *Schema) []string {
	var removed []string
	for _, f := range prev.Fields {
		if !f.Required {
			continue
		}
		if _, ok := next.FieldByName(f.Name); !ok {
			removed = append(removed, f.Name)
		}
	}
	return removed
}

// encode serializes the field list for storage.
func encode(s *Schema) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}
	return string(data), nil
}

// decode deserializes a stored definition.
func decode(definition string) (*Schema, error) {
	s := &Schema{}
	if err := json.Unmarshal([]byte(definition), s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return s, nil
}
