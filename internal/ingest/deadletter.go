package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
)

var sinkLog = logging.Component("deadletter")

// DeadLetter is one rejected payload with the reason it was rejected. The
// original payload bytes are preserved verbatim so operators can inspect,
// fix, and resubmit.
type DeadLetter struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	DeviceID   string          `json:"deviceId"`
	DeviceType string          `json:"deviceTypeId"`
	ErrorKind  string          `json:"errorKind"`
	Message    string          `json:"message"`
	Field      string          `json:"field,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	RejectedAt time.Time       `json:"rejectedAt"`
}

// DeadLetterConfig configures the sink.
type DeadLetterConfig struct {
	// Dir is the badger database directory.
	Dir string `yaml:"dir"`

	// TTL is how long dead letters are kept. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl"`
}

// DeadLetterSink persists rejected payloads in an embedded badger store,
// keyed by tenant so inspection stays tenant-scoped.
type DeadLetterSink struct {
	db  *badger.DB
	cfg DeadLetterConfig
}

// OpenDeadLetterSink opens (or creates) the sink.
func OpenDeadLetterSink(cfg DeadLetterConfig) (*DeadLetterSink, error) {
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter store: %w", err)
	}
	return &DeadLetterSink{
		db:  db,
		cfg: cfg,
	}, nil
}

// Close closes the sink.
func (s *DeadLetterSink) Close() error {
	return s.db.Close()
}

// deadLetterKey orders entries by tenant, then rejection time, so listing a
// tenant is a prefix scan.
func deadLetterKey(tenantID string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("dl/%s/%020d/%s", tenantID, at.UnixMilli(), id))
}

func deadLetterPrefix(tenantID string) []byte {
	return []byte("dl/" + tenantID + "/")
}

// Add records a rejection. Failures to dead-letter are logged, not
// propagated: the sink must never take down the write path it exists to
// protect.
func (s *DeadLetterSink) Add(tenantID string, payload []byte, rejectErr error, deviceID, deviceType string) {
	entry := DeadLetter{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		DeviceID:   deviceID,
		DeviceType: deviceType,
		ErrorKind:  errors.Kind(rejectErr),
		Message:    rejectErr.Error(),
		Field:      errors.FieldOf(rejectErr),
		Payload:    json.RawMessage(payload),
		RejectedAt: time.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		sinkLog.Error("encode dead letter", "tenant_id", tenantID, "error", err)
		return
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(deadLetterKey(tenantID, entry.RejectedAt, entry.ID), data)
		if s.cfg.TTL > 0 {
			e = e.WithTTL(s.cfg.TTL)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		sinkLog.Error("store dead letter", "tenant_id", tenantID, "error", err)
		return
	}

	sinkLog.Warn("payload dead-lettered",
		"tenant_id", tenantID,
		"device_id", deviceID,
		"error_kind", entry.ErrorKind,
		"field", entry.Field,
	)
}

// List returns up to limit dead letters for a tenant, oldest first.
func (s *DeadLetterSink) List(tenantID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	var letters []DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = deadLetterPrefix(tenantID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(letters) < limit; it.Next() {
			err := it.Item().Value(func(data []byte) error {
				var entry DeadLetter
				if err := json.Unmarshal(data, &entry); err != nil {
					return err
				}
				letters = append(letters, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return letters, nil
}

// Count returns the number of dead letters for a tenant.
func (s *DeadLetterSink) Count(tenantID string) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = deadLetterPrefix(tenantID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}

// Purge deletes all dead letters for a tenant and returns how many were
// removed.
func (s *DeadLetterSink) Purge(tenantID string) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = deadLetterPrefix(tenantID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan dead letters: %w", err)
	}

	for _, key := range keys {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return 0, fmt.Errorf("purge dead letters: %w", err)
		}
	}
	return len(keys), nil
}
