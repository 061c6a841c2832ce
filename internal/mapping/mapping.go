// Package mapping implements the field mapping resolver.
//
// A field mapping is a named, typed pointer from a human-friendly field name
// to an extraction path inside the semi-structured custom-field bag. Mappings
// are derived from the active schema on sync, may be manually overridden, and
// may be extended with free-form custom fields not present in any schema.
package mapping

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/meta"
	"github.com/xtxerr/beacon/internal/schema"
	"github.com/xtxerr/beacon/internal/telemetry"
)

// Origin records where a mapping came from.
type Origin string

const (
	// OriginSchema marks a mapping derived from a schema field by sync.
	OriginSchema Origin = "schema"
	// OriginCustom marks an admin-defined mapping with no schema backing.
	OriginCustom Origin = "custom"
)

// FieldMapping points a query-time field name at a location in the
// custom-field bag. Within a (tenant, deviceType) the field name is unique;
// a manual override replaces the schema-derived mapping rather than
// duplicating it.
type FieldMapping struct {
	TenantID       string           `json:"tenantId"`
	DeviceType     string           `json:"deviceTypeId"`
	FieldName      string           `json:"fieldName"`
	ExtractionPath string           `json:"extractionPath"`
	DataType       schema.FieldType `json:"dataType"`
	FriendlyName   string           `json:"friendlyName"`
	Unit           string           `json:"unit,omitempty"`
	IsQueryable    bool             `json:"isQueryable"`
	IsVisible      bool             `json:"isVisible"`
	Origin         Origin           `json:"origin"`
	Overridden     bool             `json:"overridden"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Validate checks the mapping fields.
func (m *FieldMapping) Validate() error {
	if m.TenantID == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "mapping missing tenant id")
	}
	if m.DeviceType == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "mapping missing device type")
	}
	if m.FieldName == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "mapping missing field name")
	}
	if !m.DataType.Valid() {
		return errors.WithField(errors.Wrapf(errors.ErrInvalidRequest, "unknown data type %q", m.DataType), m.FieldName)
	}
	// The path must parse so the query engine can resolve it unambiguously.
	if _, err := telemetry.JSONPath(m.ExtractionPath); err != nil {
		return errors.WithField(err, m.FieldName)
	}
	return nil
}

// friendlyName derives a display name from a field name:
// "motorRpm" / "motor_rpm" -> "Motor Rpm".
func friendlyName(fieldName string) string {
	var words []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}

	for _, r := range fieldName {
		switch {
		case r == '_' || r == '-' || r == '.':
			flush()
		case r >= 'A' && r <= 'Z':
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()

	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// derive builds the schema-derived mapping for a field.
func derive(tenantID, deviceType string, f schema.Field) FieldMapping {
	return FieldMapping{
		TenantID:       tenantID,
		DeviceType:     deviceType,
		FieldName:      f.Name,
		ExtractionPath: f.Name,
		DataType:       f.Type,
		FriendlyName:   friendlyName(f.Name),
		Unit:           f.Unit,
		IsQueryable:    true,
		IsVisible:      true,
		Origin:         OriginSchema,
	}
}

// =============================================================================
// Store operations
// =============================================================================

const mappingColumns = `tenant_id, device_type, field_name, extraction_path, data_type,
	friendly_name, unit, is_queryable, is_visible, origin, overridden, updated_at`

func scanMapping(scan func(...interface{}) error) (FieldMapping, error) {
	var m FieldMapping
	var updatedMs int64
	err := scan(
		&m.TenantID, &m.DeviceType, &m.FieldName, &m.ExtractionPath, &m.DataType,
		&m.FriendlyName, &m.Unit, &m.IsQueryable, &m.IsVisible, &m.Origin,
		&m.Overridden, &updatedMs,
	)
	if err != nil {
		return m, err
	}
	m.UpdatedAt = time.UnixMilli(updatedMs)
	return m, nil
}

// loadMappings returns all mappings for a (tenant, deviceType), field name
// ascending.
func loadMappings(ctx context.Context, db *meta.DB, tenantID, deviceType string) ([]FieldMapping, error) {
	rows, err := db.SQL().QueryContext(ctx, `
		SELECT `+mappingColumns+`
		FROM field_mappings
		WHERE tenant_id = $1 AND device_type = $2
		ORDER BY field_name
	`, tenantID, deviceType)
	if err != nil {
		return nil, errors.Wrap(err, "query field mappings")
	}
	defer rows.Close()

	var mappings []FieldMapping
	for rows.Next() {
		m, err := scanMapping(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "scan field mapping")
		}
		mappings = append(mappings, m)
	}

	return mappings, rows.Err()
}

// upsertMapping writes a mapping inside a transaction.
func upsertMapping(ctx context.Context, tx *sql.Tx, m FieldMapping) error {
	now := time.Now().UnixMilli()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO field_mappings (`+mappingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, device_type, field_name) DO UPDATE SET
			extraction_path = excluded.extraction_path,
			data_type = excluded.data_type,
			friendly_name = excluded.friendly_name,
			unit = excluded.unit,
			is_queryable = excluded.is_queryable,
			is_visible = excluded.is_visible,
			origin = excluded.origin,
			overridden = excluded.overridden,
			updated_at = excluded.updated_at
	`, m.TenantID, m.DeviceType, m.FieldName, m.ExtractionPath, string(m.DataType),
		m.FriendlyName, m.Unit, m.IsQueryable, m.IsVisible, string(m.Origin),
		m.Overridden, now)

	if err != nil {
		return errors.Wrapf(err, "upsert mapping %s", m.FieldName)
	}
	return nil
}
