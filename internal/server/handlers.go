package server

import (
	"net/http"
	"time"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/ingest"
	"github.com/xtxerr/beacon/internal/query"
	"github.com/xtxerr/beacon/internal/telemetry"
)

// ingestRecord is the wire form of one telemetry record.
type ingestRecord struct {
	Time         int64                      `json:"time"`
	DeviceID     string                     `json:"deviceId"`
	TenantID     string                     `json:"tenantId,omitempty"`
	DeviceType   string                     `json:"deviceType"`
	Quality      *int                       `json:"quality,omitempty"`
	SystemFields map[string]telemetry.Value `json:"systemFields,omitempty"`
	CustomFields map[string]telemetry.Value `json:"customFields,omitempty"`
}

type ingestRequest struct {
	Records []ingestRecord `json:"records"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenant := tenantID(r)

	payloads := make([]ingest.Payload, 0, len(req.Records))
	for _, rec := range req.Records {
		// A record naming a different tenant than the request is bound to
		// is rejected outright, not silently rescoped.
		if rec.TenantID != "" && rec.TenantID != tenant {
			s.writeError(w, errors.ErrTenantScope)
			return
		}

		fields := make(map[string]telemetry.Value, len(rec.SystemFields)+len(rec.CustomFields))
		for k, v := range rec.SystemFields {
			fields[k] = v
		}
		for k, v := range rec.CustomFields {
			fields[k] = v
		}
		payloads = append(payloads, ingest.Payload{
			DeviceID:   rec.DeviceID,
			DeviceType: rec.DeviceType,
			Timestamp:  rec.Time,
			Quality:    rec.Quality,
			Fields:     fields,
		})
	}

	result, err := s.deps.Ingest.Ingest(r.Context(), tenant, payloads)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Accepted == 0 && len(result.Rejected) > 0 {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, result)
}

type aggregateRequest struct {
	DeviceType  string   `json:"deviceType"`
	DeviceIDs   []string `json:"deviceIds,omitempty"`
	Fields      []string `json:"fields"`
	Aggregation string   `json:"aggregation"`
	Start       int64    `json:"start"`
	End         int64    `json:"end"`
	Interval    int64    `json:"interval"`
}

type aggregateResponse struct {
	Series    []telemetry.Series  `json:"series"`
	TimeRange telemetry.TimeRange `json:"timeRange"`
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if !s.decode(w, r, &req) {
		return
	}

	agg, err := telemetry.ParseAggregation(req.Aggregation)
	if err != nil {
		s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, err.Error()))
		return
	}

	tr := telemetry.TimeRange{StartMs: req.Start, EndMs: req.End}
	series, err := s.deps.Engine.MultiFieldAggregate(r.Context(), query.AggregateRequest{
		TenantID:    tenantID(r),
		DeviceType:  req.DeviceType,
		DeviceIDs:   req.DeviceIDs,
		Fields:      req.Fields,
		Aggregation: agg,
		Range:       tr,
		IntervalMs:  req.Interval,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, aggregateResponse{Series: series, TimeRange: tr})
}

type kpiRequest struct {
	DeviceType  string   `json:"deviceType"`
	DeviceIDs   []string `json:"deviceIds,omitempty"`
	Field       string   `json:"field"`
	Aggregation string   `json:"aggregation"`
	PeriodHours float64  `json:"periodHours"`
}

func (s *Server) handleKPI(w http.ResponseWriter, r *http.Request) {
	var req kpiRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.PeriodHours <= 0 {
		s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, "periodHours must be positive"))
		return
	}

	agg, err := telemetry.ParseAggregation(req.Aggregation)
	if err != nil {
		s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, err.Error()))
		return
	}

	now := time.Now().UnixMilli()
	period := int64(req.PeriodHours * float64(time.Hour.Milliseconds()))

	result, err := s.deps.Engine.KPIWithTrend(r.Context(), query.KPIRequest{
		TenantID:    tenantID(r),
		DeviceType:  req.DeviceType,
		DeviceIDs:   req.DeviceIDs,
		Field:       req.Field,
		Aggregation: agg,
		Range:       telemetry.TimeRange{StartMs: now - period, EndMs: now},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type categoryRequest struct {
	DeviceType   string   `json:"deviceType"`
	DeviceIDs    []string `json:"deviceIds,omitempty"`
	GroupByField string   `json:"groupByField"`
	ValueField   string   `json:"valueField,omitempty"`
	Aggregation  string   `json:"aggregation,omitempty"`
	Start        int64    `json:"start"`
	End          int64    `json:"end"`
	Limit        int      `json:"limit,omitempty"`
}

type categoryResponse struct {
	Categories []telemetry.CategoryResult `json:"categories"`
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !s.decode(w, r, &req) {
		return
	}

	agg := telemetry.AggAvg
	if req.Aggregation != "" {
		parsed, err := telemetry.ParseAggregation(req.Aggregation)
		if err != nil {
			s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, err.Error()))
			return
		}
		agg = parsed
	}

	results, err := s.deps.Engine.CategoricalGroup(r.Context(), query.CategoryRequest{
		TenantID:    tenantID(r),
		DeviceType:  req.DeviceType,
		DeviceIDs:   req.DeviceIDs,
		Field:       req.GroupByField,
		MetricField: req.ValueField,
		Aggregation: agg,
		Range:       telemetry.TimeRange{StartMs: req.Start, EndMs: req.End},
		Limit:       req.Limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []telemetry.CategoryResult{}
	}
	s.writeJSON(w, http.StatusOK, categoryResponse{Categories: results})
}

type latestRequest struct {
	DeviceType string   `json:"deviceType"`
	DeviceIDs  []string `json:"deviceIds,omitempty"`
	Fields     []string `json:"fields"`
	LookbackMs int64    `json:"lookbackMs,omitempty"`
}

type latestResponse struct {
	Values []telemetry.LatestValue `json:"values"`
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	var req latestRequest
	if !s.decode(w, r, &req) {
		return
	}

	values, err := s.deps.Engine.Latest(r.Context(), query.LatestRequest{
		TenantID:   tenantID(r),
		DeviceType: req.DeviceType,
		DeviceIDs:  req.DeviceIDs,
		Fields:     req.Fields,
		LookbackMs: req.LookbackMs,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if values == nil {
		values = []telemetry.LatestValue{}
	}
	s.writeJSON(w, http.StatusOK, latestResponse{Values: values})
}
