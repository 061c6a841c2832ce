// Package server exposes the HTTP API: ingestion, the four query
// operations, and the admin surface for schemas, mappings, dead letters,
// and continuous aggregates.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/ingest"
	"github.com/xtxerr/beacon/internal/logging"
	"github.com/xtxerr/beacon/internal/mapping"
	"github.com/xtxerr/beacon/internal/meta"
	"github.com/xtxerr/beacon/internal/query"
	"github.com/xtxerr/beacon/internal/retention"
	"github.com/xtxerr/beacon/internal/schema"
	"github.com/xtxerr/beacon/internal/storage"
)

var log = logging.Component("server")

// Config holds HTTP server configuration.
type Config struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:          ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Deps bundles the components the API fronts.
type Deps struct {
	Ingest    *ingest.Service
	Engine    *query.Engine
	Registry  *schema.Registry
	Resolver  *mapping.Resolver
	MetaDB    *meta.DB
	Store     *storage.Store
	Sink      *ingest.DeadLetterSink
	Retention *retention.Manager
}

// Server is the HTTP front end.
type Server struct {
	cfg  Config
	deps Deps

	httpServer *http.Server
	running    atomic.Bool
}

// NewServer creates the server and its routes.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods(http.MethodGet)

	// Everything tenant-scoped lives under the tenant middleware.
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.tenantMiddleware)

	api.HandleFunc("/telemetry", s.handleIngest).Methods(http.MethodPost)

	api.HandleFunc("/query/aggregate", s.handleAggregate).Methods(http.MethodPost)
	api.HandleFunc("/query/kpi", s.handleKPI).Methods(http.MethodPost)
	api.HandleFunc("/query/categories", s.handleCategories).Methods(http.MethodPost)
	api.HandleFunc("/query/latest", s.handleLatest).Methods(http.MethodPost)

	api.HandleFunc("/schemas", s.handlePublishSchema).Methods(http.MethodPost)
	api.HandleFunc("/schemas/{deviceType}", s.handleListSchemas).Methods(http.MethodGet)
	api.HandleFunc("/schemas/{deviceType}/active", s.handleGetActiveSchema).Methods(http.MethodGet)
	api.HandleFunc("/schemas/{deviceType}/versions/{version}", s.handleGetSchemaVersion).Methods(http.MethodGet)
	api.HandleFunc("/schemas/{deviceType}/active/{version}", s.handleActivateSchema).Methods(http.MethodPut)

	api.HandleFunc("/mappings/{deviceType}", s.handleListMappings).Methods(http.MethodGet)
	api.HandleFunc("/mappings/{deviceType}/sync", s.handleSyncMappings).Methods(http.MethodPost)
	api.HandleFunc("/mappings/{deviceType}/{field}", s.handleOverrideMapping).Methods(http.MethodPut)

	api.HandleFunc("/deadletters", s.handleListDeadLetters).Methods(http.MethodGet)
	api.HandleFunc("/deadletters", s.handlePurgeDeadLetters).Methods(http.MethodDelete)

	api.HandleFunc("/rollups", s.handleRegisterRollup).Methods(http.MethodPost)
	api.HandleFunc("/rollups", s.handleListRollups).Methods(http.MethodGet)
	api.HandleFunc("/rollups/{deviceType}/{field}/data", s.handleRollupData).Methods(http.MethodGet)

	return r
}

// Start begins serving. It returns once the listener is running.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrClosed
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	log.Info("http server started", "listen", s.cfg.Listen)
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	log.Info("http server stopped")
	return err
}
