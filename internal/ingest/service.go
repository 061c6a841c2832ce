package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
	"github.com/xtxerr/beacon/internal/telemetry"
)

var log = logging.Component("ingest")

// Config holds ingestion pipeline configuration.
type Config struct {
	// Shards is the number of write shards. Records are routed by device
	// hash, so one device's records always flow through one shard in
	// arrival order.
	Shards int `yaml:"shards"`

	// QueueDepth bounds each shard's queue, in batches. A full queue
	// sheds its oldest batch to the dead-letter sink.
	QueueDepth int `yaml:"queue_depth"`

	// WriteTimeout bounds one store write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Writer     WriterConfig     `yaml:"writer"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Shards:       4,
		QueueDepth:   256,
		WriteTimeout: 10 * time.Second,
		Writer:       DefaultWriterConfig(),
	}
}

// RejectedRecord reports one payload that failed validation, by its index in
// the submitted batch.
type RejectedRecord struct {
	Index     int    `json:"index"`
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
}

// Result is the per-batch ingest outcome. Accepted records are durably
// queued, not yet necessarily committed.
type Result struct {
	Accepted int              `json:"accepted"`
	Rejected []RejectedRecord `json:"rejected,omitempty"`
}

type shardBatch struct {
	tenantID string
	records  []telemetry.Record
}

// Service is the sharded ingestion pipeline: validate, route by device
// hash, queue, and commit through the writer. Payloads that fail validation
// never reach a queue; they are rejected synchronously and dead-lettered.
type Service struct {
	cfg       Config
	validator *Validator
	writer    *Writer
	sink      *DeadLetterSink

	shards []chan shardBatch

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	received atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	shed     atomic.Int64
}

// NewService creates the pipeline.
func NewService(cfg Config, validator *Validator, writer *Writer, sink *DeadLetterSink) *Service {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}

	shards := make([]chan shardBatch, cfg.Shards)
	for i := range shards {
		shards[i] = make(chan shardBatch, cfg.QueueDepth)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		validator: validator,
		writer:    writer,
		sink:      sink,
		shards:    shards,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the shard workers.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrInvalidRequest, "ingest service already running")
	}

	for i := range s.shards {
		s.wg.Add(1)
		go s.shardWorker(i)
	}

	log.Info("ingest service started", "shards", s.cfg.Shards, "queue_depth", s.cfg.QueueDepth)
	return nil
}

// Stop drains queued batches and stops the workers.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	log.Info("ingest service stopped")
	return nil
}

// Ingest validates a batch and queues the valid records. Invalid payloads
// are reported per index and dead-lettered; they never fail the whole batch.
// Fails with ErrClosed when the service is not running.
func (s *Service) Ingest(ctx context.Context, tenantID string, payloads []Payload) (Result, error) {
	var result Result

	if !s.running.Load() {
		return result, errors.ErrClosed
	}
	s.received.Add(int64(len(payloads)))

	byShard := make(map[int][]telemetry.Record)
	for i, p := range payloads {
		rec, err := s.validator.Validate(ctx, tenantID, p)
		if err != nil {
			s.rejected.Add(1)
			result.Rejected = append(result.Rejected, RejectedRecord{
				Index:     i,
				ErrorKind: errors.Kind(err),
				Message:   err.Error(),
				Field:     errors.FieldOf(err),
			})
			if raw, merr := json.Marshal(p); merr == nil {
				s.sink.Add(tenantID, raw, err, p.DeviceID, p.DeviceType)
			}
			continue
		}

		shard := int(xxhash.Sum64String(tenantID+"/"+rec.DeviceID) % uint64(len(s.shards)))
		byShard[shard] = append(byShard[shard], rec)
		result.Accepted++
	}
	s.accepted.Add(int64(result.Accepted))

	for shard, records := range byShard {
		s.enqueue(shard, shardBatch{tenantID: tenantID, records: records})
	}

	return result, nil
}

// enqueue pushes a batch onto a shard queue. A full queue sheds its oldest
// batch: accepting fresh data and dead-lettering the stalest is preferable
// to blocking the device fleet behind a slow store.
func (s *Service) enqueue(shard int, batch shardBatch) {
	for {
		select {
		case s.shards[shard] <- batch:
			return
		default:
		}

		select {
		case oldest := <-s.shards[shard]:
			s.shed.Add(int64(len(oldest.records)))
			log.Warn("shard queue full, shedding oldest batch",
				"shard", shard,
				"tenant_id", oldest.tenantID,
				"records", len(oldest.records),
			)
			for i := range oldest.records {
				rec := &oldest.records[i]
				s.sink.Add(oldest.tenantID, recordPayload(rec), errors.ErrBufferFull, rec.DeviceID, rec.DeviceType)
			}
		default:
			// A worker drained the queue in between; retry the send.
		}
	}
}

// shardWorker commits queued batches in order. On shutdown it drains
// whatever is still queued before exiting.
func (s *Service) shardWorker(shard int) {
	defer s.wg.Done()

	for {
		select {
		case batch := <-s.shards[shard]:
			s.commit(batch)
		case <-s.ctx.Done():
			for {
				select {
				case batch := <-s.shards[shard]:
					s.commit(batch)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) commit(batch shardBatch) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if err := s.writer.Write(ctx, batch.tenantID, batch.records); err != nil {
		log.Error("batch commit failed",
			"tenant_id", batch.tenantID,
			"records", len(batch.records),
			"error", err,
		)
	}
}

// QueueDepths reports the per-shard queue fill, for the stats surface.
func (s *Service) QueueDepths() []int {
	depths := make([]int, len(s.shards))
	for i, ch := range s.shards {
		depths[i] = len(ch)
	}
	return depths
}

// ServiceStats holds pipeline counters.
type ServiceStats struct {
	Running  bool        `json:"running"`
	Received int64       `json:"received"`
	Accepted int64       `json:"accepted"`
	Rejected int64       `json:"rejected"`
	Shed     int64       `json:"shed"`
	Queues   []int       `json:"queues"`
	Writer   WriterStats `json:"writer"`
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Running:  s.running.Load(),
		Received: s.received.Load(),
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Shed:     s.shed.Load(),
		Queues:   s.QueueDepths(),
		Writer:   s.writer.Stats(),
	}
}
