package schema

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
	"github.com/xtxerr/beacon/internal/meta"
)

var log = logging.Component("schema")

// PublishListener is notified after a successful publish. The mapping
// resolver registers one to invalidate its cache and trigger a sync.
type PublishListener func(tenantID, deviceType string, version int)

// PublishOptions controls a publish call.
type PublishOptions struct {
	// AllowBreaking permits removing a required field that the currently
	// active version declares. Without it such a publish is rejected.
	AllowBreaking bool

	// Activate points the active-version pointer at the new version.
	// First-ever publishes always activate.
	Activate bool
}

// Registry stores immutable, versioned schema definitions per
// (tenant, deviceType) in the metadata store.
//
// Publish uses optimistic concurrency: two publishers racing on the same
// next-version number see exactly one winner; the loser gets ErrConflict and
// may retry.
type Registry struct {
	db *meta.DB

	mu        sync.RWMutex
	listeners []PublishListener

	stats Stats
}

// Stats holds registry statistics.
type Stats struct {
	Publishes        int64
	PublishConflicts int64
	BreakingRejected int64
	ActiveLookups    int64
}

// NewRegistry creates a schema registry over the metadata store.
func NewRegistry(db *meta.DB) *Registry {
	return &Registry{db: db}
}

// OnPublish registers a listener invoked after every successful publish.
func (r *Registry) OnPublish(fn PublishListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Publish assigns the next integer version to the schema and stores it.
// Returns the assigned version.
//
// Publication is rejected with ErrBreakingChange when it would remove a
// required field of the currently active version and opts.AllowBreaking is
// not set. A concurrent publish racing on the same version number fails with
// ErrConflict; the caller retries.
func (r *Registry) Publish(ctx context.Context, s *Schema, opts PublishOptions) (int, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}

	active, activeVersion, err := r.GetActive(ctx, s.TenantID, s.DeviceType)
	if err != nil && !errors.IsNotFound(err) {
		return 0, err
	}
	firstPublish := errors.IsNotFound(err)

	if !firstPublish && !opts.AllowBreaking {
		if removed := removedRequired(active, s); len(removed) > 0 {
			r.countBreakingRejected()
			return 0, errors.WithField(errors.ErrBreakingChange, removed[0])
		}
	}

	next := 1
	if !firstPublish {
		latest, err := r.latestVersion(ctx, s.TenantID, s.DeviceType)
		if err != nil {
			return 0, err
		}
		next = latest + 1
	}

	stored := *s
	stored.Version = next
	definition, err := encode(&stored)
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMilli()
	activate := opts.Activate || firstPublish

	err = r.db.Transaction(ctx, func(tx *sql.Tx) error {
		// Guarded insert instead of relying on driver-specific
		// constraint errors: zero rows affected means a racer already
		// claimed this version number.
		result, err := tx.ExecContext(ctx, `
			INSERT INTO schemas (tenant_id, device_type, version, definition, published_at)
			SELECT $1, $2, $3, $4, $5
			WHERE NOT EXISTS (
				SELECT 1 FROM schemas
				WHERE tenant_id = $6 AND device_type = $7 AND version = $8
			)
		`, s.TenantID, s.DeviceType, next, definition, now,
			s.TenantID, s.DeviceType, next)
		if err != nil {
			return errors.Wrap(err, "insert schema version")
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "rows affected")
		}
		if rows == 0 {
			return errors.ErrConflict
		}

		if !activate {
			return nil
		}

		// The pointer swap is guarded by the version observed before
		// the transaction; a pointer moved underneath us is the same
		// race as a version collision.
		if firstPublish {
			result, err = tx.ExecContext(ctx, `
				INSERT INTO schema_active (tenant_id, device_type, active_version, updated_at)
				SELECT $1, $2, $3, $4
				WHERE NOT EXISTS (
					SELECT 1 FROM schema_active
					WHERE tenant_id = $5 AND device_type = $6
				)
			`, s.TenantID, s.DeviceType, next, now, s.TenantID, s.DeviceType)
		} else {
			result, err = tx.ExecContext(ctx, `
				UPDATE schema_active
				SET active_version = $1, updated_at = $2
				WHERE tenant_id = $3 AND device_type = $4 AND active_version = $5
			`, next, now, s.TenantID, s.DeviceType, activeVersion)
		}
		if err != nil {
			return errors.Wrap(err, "update active pointer")
		}

		rows, err = result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "rows affected")
		}
		if rows == 0 {
			return errors.ErrConflict
		}

		return nil
	})

	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			r.countConflict()
		}
		return 0, err
	}

	r.countPublish()
	log.Info("schema published",
		"tenant_id", s.TenantID,
		"device_type", s.DeviceType,
		"version", next,
		"activated", activate,
	)

	r.notify(s.TenantID, s.DeviceType, next)
	return next, nil
}

// GetActive returns the currently active schema and its version. Fails with
// a not-found error if no schema has ever been published for the pair.
func (r *Registry) GetActive(ctx context.Context, tenantID, deviceType string) (*Schema, int, error) {
	r.countActiveLookup()

	var version int
	err := r.db.SQL().QueryRowContext(ctx, `
		SELECT active_version FROM schema_active
		WHERE tenant_id = $1 AND device_type = $2
	`, tenantID, deviceType).Scan(&version)

	if err == sql.ErrNoRows {
		return nil, 0, errors.Wrapf(errors.ErrSchemaNotFound, "no schema published for %s/%s", tenantID, deviceType)
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "query active version")
	}

	s, err := r.GetVersion(ctx, tenantID, deviceType, version)
	if err != nil {
		return nil, 0, err
	}
	return s, version, nil
}

// GetVersion returns a specific published schema version. Versions are
// retained indefinitely.
func (r *Registry) GetVersion(ctx context.Context, tenantID, deviceType string, version int) (*Schema, error) {
	var definition string
	err := r.db.SQL().QueryRowContext(ctx, `
		SELECT definition FROM schemas
		WHERE tenant_id = $1 AND device_type = $2 AND version = $3
	`, tenantID, deviceType, version).Scan(&definition)

	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrSchemaNotFound, "%s/%s version %d", tenantID, deviceType, version)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query schema version")
	}

	return decode(definition)
}

// SetActive points the active-version pointer at an already-published
// version, e.g. to roll back a bad publish.
func (r *Registry) SetActive(ctx context.Context, tenantID, deviceType string, version int) error {
	if _, err := r.GetVersion(ctx, tenantID, deviceType, version); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	result, err := r.db.SQL().ExecContext(ctx, `
		UPDATE schema_active
		SET active_version = $1, updated_at = $2
		WHERE tenant_id = $3 AND device_type = $4
	`, version, now, tenantID, deviceType)
	if err != nil {
		return errors.Wrap(err, "set active version")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrSchemaNotFound, "no schema published for %s/%s", tenantID, deviceType)
	}

	r.notify(tenantID, deviceType, version)
	return nil
}

// ListVersions returns all published versions for a pair, oldest first.
func (r *Registry) ListVersions(ctx context.Context, tenantID, deviceType string) ([]*Schema, error) {
	rows, err := r.db.SQL().QueryContext(ctx, `
		SELECT definition FROM schemas
		WHERE tenant_id = $1 AND device_type = $2
		ORDER BY version
	`, tenantID, deviceType)
	if err != nil {
		return nil, errors.Wrap(err, "query schema versions")
	}
	defer rows.Close()

	var schemas []*Schema
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, errors.Wrap(err, "scan schema version")
		}
		s, err := decode(definition)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}

	return schemas, rows.Err()
}

// latestVersion returns the highest published version number.
func (r *Registry) latestVersion(ctx context.Context, tenantID, deviceType string) (int, error) {
	var latest int
	err := r.db.SQL().QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM schemas
		WHERE tenant_id = $1 AND device_type = $2
	`, tenantID, deviceType).Scan(&latest)
	if err != nil {
		return 0, errors.Wrap(err, "query latest version")
	}
	return latest, nil
}

// notify invokes publish listeners outside the transaction.
func (r *Registry) notify(tenantID, deviceType string, version int) {
	r.mu.RLock()
	listeners := make([]PublishListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(tenantID, deviceType, version)
	}
}

// Stats returns current statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *Registry) countPublish() {
	r.mu.Lock()
	r.stats.Publishes++
	r.mu.Unlock()
}

func (r *Registry) countConflict() {
	r.mu.Lock()
	r.stats.PublishConflicts++
	r.mu.Unlock()
}

func (r *Registry) countBreakingRejected() {
	r.mu.Lock()
	r.stats.BreakingRejected++
	r.mu.Unlock()
}

func (r *Registry) countActiveLookup() {
	r.mu.Lock()
	r.stats.ActiveLookups++
	r.mu.Unlock()
}
