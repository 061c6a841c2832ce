package mapping

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
	"github.com/xtxerr/beacon/internal/meta"
	"github.com/xtxerr/beacon/internal/schema"
)

var log = logging.Component("mapping")

// Resolver resolves query-time field names to extraction paths. It owns the
// mapping store and a TTL cache, and keeps the mapping set in step with the
// schema registry by syncing on every publish.
type Resolver struct {
	db       *meta.DB
	registry *schema.Registry
	cache    *Cache

	mu    sync.Mutex
	stats Stats
}

// Stats holds resolver statistics.
type Stats struct {
	Syncs               int64
	Resolves            int64
	UnknownFields       int64
	UnqueryableRejected int64
	CacheHits           int64
	CacheMisses         int64
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Retired   int `json:"retired"`
	Preserved int `json:"preserved"`
}

// NewResolver creates a resolver and registers it with the registry so that
// every schema publish invalidates the cache and re-derives mappings.
func NewResolver(db *meta.DB, registry *schema.Registry, cacheTTL time.Duration) *Resolver {
	r := &Resolver{
		db:       db,
		registry: registry,
		cache:    NewCache(cacheTTL),
	}

	registry.OnPublish(func(tenantID, deviceType string, version int) {
		r.cache.Invalidate(tenantID, deviceType)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.Sync(ctx, tenantID, deviceType); err != nil {
			log.Error("mapping sync after publish failed",
				"tenant_id", tenantID,
				"device_type", deviceType,
				"version", version,
				"error", err,
			)
		}
	})

	return r
}

// Sync derives field mappings from the active schema.
//
// Missing mappings are created. Schema-derived mappings that were manually
// overridden keep their override. Custom mappings whose name now collides
// with a schema field are preserved and the collision logged. Schema-derived
// mappings whose field the schema no longer declares are retired: the row is
// kept for audit but marked unqueryable.
func (r *Resolver) Sync(ctx context.Context, tenantID, deviceType string) (SyncResult, error) {
	active, _, err := r.registry.GetActive(ctx, tenantID, deviceType)
	if err != nil {
		return SyncResult{}, err
	}

	existing, err := loadMappings(ctx, r.db, tenantID, deviceType)
	if err != nil {
		return SyncResult{}, err
	}
	byName := make(map[string]FieldMapping, len(existing))
	for _, m := range existing {
		byName[m.FieldName] = m
	}

	var result SyncResult
	err = r.db.Transaction(ctx, func(tx *sql.Tx) error {
		declared := make(map[string]bool, len(active.Fields))

		for _, f := range active.Fields {
			declared[f.Name] = true
			current, ok := byName[f.Name]

			switch {
			case !ok:
				if err := upsertMapping(ctx, tx, derive(tenantID, deviceType, f)); err != nil {
					return err
				}
				result.Created++

			case current.Origin == OriginCustom:
				// Custom mappings win over later schema fields of the
				// same name. The collision is worth knowing about.
				log.Warn("schema field shadowed by custom mapping",
					"tenant_id", tenantID,
					"device_type", deviceType,
					"field", f.Name,
				)
				result.Preserved++

			case current.Overridden:
				result.Preserved++

			default:
				next := derive(tenantID, deviceType, f)
				next.FriendlyName = current.FriendlyName
				next.IsVisible = current.IsVisible
				if err := upsertMapping(ctx, tx, next); err != nil {
					return err
				}
				result.Updated++
			}
		}

		// Retire schema-derived mappings the schema no longer declares.
		for _, m := range existing {
			if declared[m.FieldName] || m.Origin != OriginSchema || m.Overridden {
				continue
			}
			if !m.IsQueryable {
				continue
			}
			m.IsQueryable = false
			if err := upsertMapping(ctx, tx, m); err != nil {
				return err
			}
			result.Retired++
		}

		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}

	r.cache.Invalidate(tenantID, deviceType)
	r.countSync()

	log.Info("field mappings synced",
		"tenant_id", tenantID,
		"device_type", deviceType,
		"created", result.Created,
		"updated", result.Updated,
		"retired", result.Retired,
		"preserved", result.Preserved,
	)
	return result, nil
}

// Resolve returns the mapping for a field name. Unknown names fail with
// ErrUnknownField, mappings marked unqueryable with ErrUnqueryableField; both
// carry the offending field so callers can fail fast with a precise error
// instead of returning partial results.
func (r *Resolver) Resolve(ctx context.Context, tenantID, deviceType, fieldName string) (FieldMapping, error) {
	r.countResolve()

	byName, err := r.mappingSet(ctx, tenantID, deviceType)
	if err != nil {
		return FieldMapping{}, err
	}

	m, ok := byName[fieldName]
	if !ok {
		r.countUnknown()
		return FieldMapping{}, errors.WithField(errors.ErrUnknownField, fieldName)
	}
	if !m.IsQueryable {
		r.countUnqueryable()
		return FieldMapping{}, errors.WithField(errors.ErrUnqueryableField, fieldName)
	}
	return m, nil
}

// ResolveAll resolves every name, failing on the first unknown or
// unqueryable field.
func (r *Resolver) ResolveAll(ctx context.Context, tenantID, deviceType string, fieldNames []string) ([]FieldMapping, error) {
	mappings := make([]FieldMapping, 0, len(fieldNames))
	for _, name := range fieldNames {
		m, err := r.Resolve(ctx, tenantID, deviceType, name)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// List returns every mapping for a (tenant, deviceType), including retired
// and hidden ones. Intended for the admin surface, not the query path.
func (r *Resolver) List(ctx context.Context, tenantID, deviceType string) ([]FieldMapping, error) {
	return loadMappings(ctx, r.db, tenantID, deviceType)
}

// Override writes a manual mapping. A mapping for an existing field replaces
// the schema-derived row and survives subsequent syncs; a mapping for a name
// no schema declares becomes a custom field.
func (r *Resolver) Override(ctx context.Context, m FieldMapping) error {
	if err := m.Validate(); err != nil {
		return err
	}

	active, _, err := r.registry.GetActive(ctx, m.TenantID, m.DeviceType)
	if err != nil && !errors.IsNotFound(err) {
		return err
	}

	if active != nil {
		if _, declared := active.FieldByName(m.FieldName); declared {
			m.Origin = OriginSchema
		} else {
			m.Origin = OriginCustom
		}
	} else {
		m.Origin = OriginCustom
	}
	m.Overridden = true

	err = r.db.Transaction(ctx, func(tx *sql.Tx) error {
		return upsertMapping(ctx, tx, m)
	})
	if err != nil {
		return err
	}

	r.cache.Invalidate(m.TenantID, m.DeviceType)
	log.Info("field mapping overridden",
		"tenant_id", m.TenantID,
		"device_type", m.DeviceType,
		"field", m.FieldName,
		"origin", m.Origin,
	)
	return nil
}

// mappingSet returns the name-indexed mapping set, from cache when fresh.
func (r *Resolver) mappingSet(ctx context.Context, tenantID, deviceType string) (map[string]FieldMapping, error) {
	if byName := r.cache.get(tenantID, deviceType); byName != nil {
		return byName, nil
	}

	mappings, err := loadMappings(ctx, r.db, tenantID, deviceType)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]FieldMapping, len(mappings))
	for _, m := range mappings {
		byName[m.FieldName] = m
	}
	r.cache.put(tenantID, deviceType, byName)
	return byName, nil
}

// Stats returns current statistics, including cache counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	s := r.stats
	r.mu.Unlock()
	s.CacheHits, s.CacheMisses = r.cache.Counters()
	return s
}

func (r *Resolver) countSync() {
	r.mu.Lock()
	r.stats.Syncs++
	r.mu.Unlock()
}

func (r *Resolver) countResolve() {
	r.mu.Lock()
	r.stats.Resolves++
	r.mu.Unlock()
}

func (r *Resolver) countUnknown() {
	r.mu.Lock()
	r.stats.UnknownFields++
	r.mu.Unlock()
}

func (r *Resolver) countUnqueryable() {
	r.mu.Lock()
	r.stats.UnqueryableRejected++
	r.mu.Unlock()
}
