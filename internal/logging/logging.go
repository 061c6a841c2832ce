// Package logging wraps log/slog so every component of the telemetry engine
// logs through one configured handler.
//
// Components grab a named logger once at package level:
//
//	var log = logging.Component("ingest")
//	log.Info("shard workers started", "shards", 8)
//
// Request-scoped identifiers (tenant, device, request id) travel in the
// context; WithContext folds whichever are present into the logger.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the process-wide logger. Init replaces it; until then a text
// handler at info level is installed on first use.
var Logger *slog.Logger

// Init installs the global handler. JSON output is meant for production,
// text for development; debug level additionally records source positions.
func Init(level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func ensure() *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger
}

// Component returns a logger tagged with a component attribute. Every entry
// it emits carries component=<name>.
func Component(name string) *slog.Logger {
	return ensure().With("component", name)
}

// With returns a logger carrying the given attributes on every entry.
func With(args ...any) *slog.Logger {
	return ensure().With(args...)
}

// =============================================================================
// Context plumbing
// =============================================================================

type contextKey int

const (
	contextKeyTenantID contextKey = iota
	contextKeyDeviceID
	contextKeyRequestID
)

// ContextWithTenantID binds the tenant a request acts on behalf of. The
// query engine reads it back to enforce tenant scoping.
func ContextWithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKeyTenantID, tenantID)
}

// TenantIDFromContext returns the tenant bound by ContextWithTenantID, or ""
// when the context carries none.
func TenantIDFromContext(ctx context.Context) string {
	if tenantID, ok := ctx.Value(contextKeyTenantID).(string); ok {
		return tenantID
	}
	return ""
}

// ContextWithDeviceID binds a device ID for logging.
func ContextWithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, contextKeyDeviceID, deviceID)
}

// ContextWithRequestID binds a request ID for logging.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// WithContext returns a logger carrying whichever request-scoped IDs the
// context holds.
func WithContext(ctx context.Context) *slog.Logger {
	logger := ensure()

	if tenantID, ok := ctx.Value(contextKeyTenantID).(string); ok {
		logger = logger.With("tenant_id", tenantID)
	}
	if deviceID, ok := ctx.Value(contextKeyDeviceID).(string); ok {
		logger = logger.With("device_id", deviceID)
	}
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok {
		logger = logger.With("request_id", requestID)
	}

	return logger
}
