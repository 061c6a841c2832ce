// beacond is the telemetry engine daemon: schema-validated ingestion,
// tenant-scoped queries, and background retention over a DuckDB store.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/xtxerr/beacon/internal/config"
	"github.com/xtxerr/beacon/internal/ingest"
	"github.com/xtxerr/beacon/internal/logging"
	"github.com/xtxerr/beacon/internal/mapping"
	"github.com/xtxerr/beacon/internal/meta"
	"github.com/xtxerr/beacon/internal/query"
	"github.com/xtxerr/beacon/internal/retention"
	"github.com/xtxerr/beacon/internal/schema"
	"github.com/xtxerr/beacon/internal/server"
	"github.com/xtxerr/beacon/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "beacond.yaml", "config file path")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logJSON := flag.Bool("log-json", false, "JSON log output (overrides config)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("No config file found, using defaults")
			cfg = config.Default()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	level, err := cfg.Logging.SlogLevel()
	if err != nil {
		log.Fatalf("Logging config: %v", err)
	}
	logging.Init(level, cfg.Logging.JSON)
	mainLog := logging.Component("beacond")
	mainLog.Info("starting", "version", Version)

	// Metadata store (Postgres).
	metaDB, err := meta.Open(cfg.Metadata)
	if err != nil {
		mainLog.Error("open metadata store", "error", err)
		os.Exit(1)
	}
	defer metaDB.Close()

	if err := metaDB.Migrate(context.Background()); err != nil {
		mainLog.Error("migrate metadata store", "error", err)
		os.Exit(1)
	}

	// Telemetry store (DuckDB + parquet chunks).
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		mainLog.Error("open telemetry store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := schema.NewRegistry(metaDB)
	resolver := mapping.NewResolver(metaDB, registry, cfg.MappingCacheTTL)

	sink, err := ingest.OpenDeadLetterSink(cfg.Ingest.DeadLetter)
	if err != nil {
		mainLog.Error("open dead-letter sink", "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	writer := ingest.NewWriter(cfg.Ingest.Writer, store, metaDB, sink)
	validator := ingest.NewValidator(registry, metaDB)
	ingestSvc := ingest.NewService(cfg.Ingest, validator, writer, sink)
	if err := ingestSvc.Start(); err != nil {
		mainLog.Error("start ingest service", "error", err)
		os.Exit(1)
	}

	// Retention runs under a distributed lock when Redis is configured,
	// in-process otherwise.
	var locker retention.Locker = retention.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		locker = retention.NewRedisLocker(client)
		mainLog.Info("using redis retention locks", "addr", cfg.Redis.Addr)
	}

	engine := query.NewEngine(cfg.Query, store, resolver)

	retentionMgr := retention.NewManager(cfg.Retention, store, metaDB, resolver, locker)
	if err := retentionMgr.Start(); err != nil {
		mainLog.Error("start retention manager", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(cfg.Server, server.Deps{
		Ingest:    ingestSvc,
		Engine:    engine,
		Registry:  registry,
		Resolver:  resolver,
		MetaDB:    metaDB,
		Store:     store,
		Sink:      sink,
		Retention: retentionMgr,
	})
	if err := srv.Start(); err != nil {
		mainLog.Error("start http server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	mainLog.Info("shutting down", "signal", sig.String())

	// Stop the front door first, then drain the pipeline behind it.
	if err := srv.Stop(); err != nil {
		mainLog.Warn("http shutdown", "error", err)
	}
	if err := ingestSvc.Stop(); err != nil {
		mainLog.Warn("ingest shutdown", "error", err)
	}
	retentionMgr.Stop()

	// Give slow writers a moment before the stores close underneath them.
	time.Sleep(100 * time.Millisecond)
	mainLog.Info("stopped")
}
