package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/xtxerr/beacon/internal/aggregate"
	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/ingest"
	"github.com/xtxerr/beacon/internal/mapping"
	"github.com/xtxerr/beacon/internal/meta"
	"github.com/xtxerr/beacon/internal/query"
	"github.com/xtxerr/beacon/internal/retention"
	"github.com/xtxerr/beacon/internal/schema"
	"github.com/xtxerr/beacon/internal/storage"
)

type publishSchemaRequest struct {
	Schema        *schema.Schema `json:"schema"`
	Activate      bool           `json:"activate"`
	AllowBreaking bool           `json:"allowBreaking"`
}

func (s *Server) handlePublishSchema(w http.ResponseWriter, r *http.Request) {
	var req publishSchemaRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Schema == nil {
		s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, "missing schema"))
		return
	}
	req.Schema.TenantID = tenantID(r)

	version, err := s.deps.Registry.Publish(r.Context(), req.Schema, schema.PublishOptions{
		Activate:      req.Activate,
		AllowBreaking: req.AllowBreaking,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int{"version": version})
}

func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := s.deps.Registry.ListVersions(r.Context(), tenantID(r), mux.Vars(r)["deviceType"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, schemas)
}

func (s *Server) handleGetActiveSchema(w http.ResponseWriter, r *http.Request) {
	sc, version, err := s.deps.Registry.GetActive(r.Context(), tenantID(r), mux.Vars(r)["deviceType"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	sc.Version = version
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleGetSchemaVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, "malformed version"))
		return
	}

	sc, err := s.deps.Registry.GetVersion(r.Context(), tenantID(r), vars["deviceType"], version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleActivateSchema(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, "malformed version"))
		return
	}

	if err := s.deps.Registry.SetActive(r.Context(), tenantID(r), vars["deviceType"], version); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"activeVersion": version})
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.deps.Resolver.List(r.Context(), tenantID(r), mux.Vars(r)["deviceType"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if mappings == nil {
		mappings = []mapping.FieldMapping{}
	}
	s.writeJSON(w, http.StatusOK, mappings)
}

func (s *Server) handleSyncMappings(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Resolver.Sync(r.Context(), tenantID(r), mux.Vars(r)["deviceType"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type overrideMappingRequest struct {
	ExtractionPath string           `json:"extractionPath"`
	DataType       schema.FieldType `json:"dataType"`
	FriendlyName   string           `json:"friendlyName,omitempty"`
	Unit           string           `json:"unit,omitempty"`
	IsQueryable    *bool            `json:"isQueryable,omitempty"`
	IsVisible      *bool            `json:"isVisible,omitempty"`
}

func (s *Server) handleOverrideMapping(w http.ResponseWriter, r *http.Request) {
	var req overrideMappingRequest
	if !s.decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)

	m := mapping.FieldMapping{
		TenantID:       tenantID(r),
		DeviceType:     vars["deviceType"],
		FieldName:      vars["field"],
		ExtractionPath: req.ExtractionPath,
		DataType:       req.DataType,
		FriendlyName:   req.FriendlyName,
		Unit:           req.Unit,
		IsQueryable:    true,
		IsVisible:      true,
	}
	if req.IsQueryable != nil {
		m.IsQueryable = *req.IsQueryable
	}
	if req.IsVisible != nil {
		m.IsVisible = *req.IsVisible
	}

	if err := s.deps.Resolver.Override(r.Context(), m); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

type deadLetterResponse struct {
	Count   int64               `json:"count"`
	Letters []ingest.DeadLetter `json:"letters"`
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, "malformed limit"))
			return
		}
		limit = parsed
	}

	tenant := tenantID(r)
	letters, err := s.deps.Sink.List(tenant, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	count, err := s.deps.Sink.Count(tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if letters == nil {
		letters = []ingest.DeadLetter{}
	}
	s.writeJSON(w, http.StatusOK, deadLetterResponse{Count: count, Letters: letters})
}

func (s *Server) handlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	purged, err := s.deps.Sink.Purge(tenantID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
}

type registerRollupRequest struct {
	DeviceType  string `json:"deviceType"`
	Field       string `json:"field"`
	BucketMs    int64  `json:"bucketMs"`
	Aggregation string `json:"aggregation"`
}

func (s *Server) handleRegisterRollup(w http.ResponseWriter, r *http.Request) {
	var req registerRollupRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.DeviceType == "" || req.Field == "" || req.BucketMs <= 0 || req.Aggregation == "" {
		s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, "deviceType, field, bucketMs, and aggregation are required"))
		return
	}

	spec := meta.RollupSpec{
		TenantID:    tenantID(r),
		DeviceType:  req.DeviceType,
		FieldName:   req.Field,
		BucketMs:    req.BucketMs,
		Aggregation: req.Aggregation,
	}
	if err := s.deps.MetaDB.RegisterRollup(r.Context(), spec); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, spec)
}

func (s *Server) handleListRollups(w http.ResponseWriter, r *http.Request) {
	specs, err := s.deps.MetaDB.ListRollups(r.Context(), tenantID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if specs == nil {
		specs = []meta.RollupSpec{}
	}
	s.writeJSON(w, http.StatusOK, specs)
}

type rollupDataResponse struct {
	BucketMs int64              `json:"bucketMs"`
	Buckets  []aggregate.Result `json:"buckets"`
}

// handleRollupData serves persisted rollup buckets, so historical dashboards
// read precomputed aggregates instead of rescanning telemetry.
func (s *Server) handleRollupData(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceType := vars["deviceType"]
	field := vars["field"]

	q := r.URL.Query()
	startMs, err := queryInt64(q.Get("start"), 0)
	if err != nil {
		s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, "bad start"))
		return
	}
	endMs, err := queryInt64(q.Get("end"), time.Now().UnixMilli())
	if err != nil {
		s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, "bad end"))
		return
	}
	bucketMs, err := queryInt64(q.Get("bucketMs"), 0)
	if err != nil {
		s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, "bad bucketMs"))
		return
	}

	// Without an explicit bucket size, use the registered one.
	if bucketMs == 0 {
		specs, err := s.deps.MetaDB.ListRollups(r.Context(), tenantID(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, spec := range specs {
			if spec.DeviceType == deviceType && spec.FieldName == field {
				bucketMs = spec.BucketMs
				break
			}
		}
		if bucketMs == 0 {
			s.writeError(w, errors.Wrapf(errors.ErrRollupNotFound, "%s/%s", deviceType, field))
			return
		}
	}

	buckets, err := s.deps.Store.QueryRollups(r.Context(), tenantID(r), deviceType, field, bucketMs, startMs, endMs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if buckets == nil {
		buckets = []aggregate.Result{}
	}
	s.writeJSON(w, http.StatusOK, rollupDataResponse{BucketMs: bucketMs, Buckets: buckets})
}

func queryInt64(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// statsResponse aggregates every component's counters.
type statsResponse struct {
	Ingest    ingest.ServiceStats `json:"ingest"`
	Query     query.Stats         `json:"query"`
	Storage   storage.Stats       `json:"storage"`
	Schema    schema.Stats        `json:"schema"`
	Mapping   mapping.Stats       `json:"mapping"`
	Retention retention.Stats     `json:"retention"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Query:   s.deps.Engine.Stats(),
		Storage: s.deps.Store.Stats(),
		Schema:  s.deps.Registry.Stats(),
		Mapping: s.deps.Resolver.Stats(),
	}
	if s.deps.Ingest != nil {
		resp.Ingest = s.deps.Ingest.Stats()
	}
	if s.deps.Retention != nil {
		resp.Retention = s.deps.Retention.Stats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
