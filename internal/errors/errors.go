// Package errors consolidates error definitions for the beacon telemetry engine.
//
// It provides:
// - Sentinel errors for all error conditions
// - Wire error kinds used in JSON error responses
// - Error category checking functions
// - HTTP status mapping
// - Error wrapping utilities
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Wire error kinds - used in JSON error responses as "errorKind"
// ============================================================================

const (
	KindSchemaValidation  = "SchemaValidationError"
	KindUnknownField      = "UnknownFieldError"
	KindUnqueryableField  = "UnqueryableFieldError"
	KindTenantScope       = "TenantScopeViolation"
	KindTimeout           = "TimeoutError"
	KindConflict          = "ConflictError"
	KindRetentionConflict = "RetentionConflict"
	KindNotFound          = "NotFoundError"
	KindDuplicate         = "DuplicateRecordError"
	KindInvalidRequest    = "InvalidRequestError"
	KindOverloaded        = "OverloadedError"
	KindInternal          = "InternalError"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Not found errors
	ErrNotFound        = errors.New("not found")
	ErrSchemaNotFound  = errors.New("schema not found")
	ErrMappingNotFound = errors.New("field mapping not found")
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrChunkNotFound   = errors.New("chunk not found")
	ErrRollupNotFound  = errors.New("continuous aggregate not found")

	// Ingestion-time validation
	ErrSchemaValidation = errors.New("schema validation failed")
	ErrTypeMismatch     = errors.New("field type mismatch")
	ErrMissingRequired  = errors.New("missing required field")
	ErrUndeclaredField  = errors.New("field not declared in schema")

	// Query-time field resolution
	ErrUnknownField     = errors.New("unknown field")
	ErrUnqueryableField = errors.New("field is not queryable")

	// Invariant violations - fatal-and-logged, never silently corrected
	ErrTenantScope     = errors.New("tenant scope violation")
	ErrDuplicatePolicy = errors.New("duplicate-key policy violation")

	// Concurrency
	ErrConflict = errors.New("concurrent modification detected (version mismatch)")

	// Schema publication
	ErrBreakingChange = errors.New("publication removes a required field without breaking-change flag")
	ErrInvalidSchema  = errors.New("invalid schema definition")

	// Write path
	ErrDuplicateRecord = errors.New("duplicate record for (device, time)")
	ErrBufferFull      = errors.New("ingestion queue full")
	ErrStoreSaturated  = errors.New("store saturated")

	// Query path
	ErrTimeout        = errors.New("deadline exceeded")
	ErrInvalidRequest = errors.New("invalid request")

	// Retention
	ErrRetentionConflict = errors.New("retention boundary still receiving writes")
	ErrLockHeld          = errors.New("lock held by another owner")

	// Internal
	ErrInternal = errors.New("internal error")
	ErrClosed   = errors.New("already closed")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// ============================================================================
// FieldError - validation errors that name the offending field
// ============================================================================

// FieldError wraps a sentinel error with the field that caused it. The wire
// layer uses Field to populate the optional "field" member of error responses.
type FieldError struct {
	Err   error
	Field string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: field %q", e.Err.Error(), e.Field)
}

// Unwrap returns the wrapped sentinel for errors.Is/As support.
func (e *FieldError) Unwrap() error { return e.Err }

// WithField wraps err with the offending field name.
func WithField(err error, field string) error {
	if err == nil {
		return nil
	}
	return &FieldError{Err: err, Field: field}
}

// FieldOf returns the offending field name if err carries one.
func FieldOf(err error) string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Field
	}
	return ""
}

// ============================================================================
// Category helpers
// ============================================================================

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSchemaNotFound) ||
		errors.Is(err, ErrMappingNotFound) ||
		errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrChunkNotFound) ||
		errors.Is(err, ErrRollupNotFound)
}

// IsValidation returns true if err is an ingestion-time validation error.
// Validation errors are recovered locally and routed to the dead-letter sink.
func IsValidation(err error) bool {
	return errors.Is(err, ErrSchemaValidation) ||
		errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrMissingRequired) ||
		errors.Is(err, ErrUndeclaredField)
}

// IsFieldResolution returns true if err is a query-time field resolution error.
// These are surfaced to the caller as 4xx and never retried.
func IsFieldResolution(err error) bool {
	return errors.Is(err, ErrUnknownField) || errors.Is(err, ErrUnqueryableField)
}

// IsInvariantViolation returns true for internal-bug signals. These abort the
// request and are logged as incidents, distinct from ordinary failures.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrTenantScope) || errors.Is(err, ErrDuplicatePolicy)
}

// IsRetriable returns true if the error is potentially retriable by the caller.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrStoreSaturated) ||
		errors.Is(err, ErrBufferFull) ||
		errors.Is(err, ErrLockHeld)
}

// IsTimeout returns true if err represents an exceeded deadline, including
// context cancellation surfaced by a database driver.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// ============================================================================
// Error to wire kind mapping
// ============================================================================

// Kind maps an error to its wire error kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return KindSchemaValidation
	case errors.Is(err, ErrUnknownField):
		return KindUnknownField
	case errors.Is(err, ErrUnqueryableField):
		return KindUnqueryableField
	case IsInvariantViolation(err):
		return KindTenantScope
	case IsTimeout(err):
		return KindTimeout
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrRetentionConflict), errors.Is(err, ErrLockHeld):
		return KindRetentionConflict
	case IsNotFound(err):
		return KindNotFound
	case errors.Is(err, ErrDuplicateRecord):
		return KindDuplicate
	case errors.Is(err, ErrBufferFull), errors.Is(err, ErrStoreSaturated):
		return KindOverloaded
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidSchema), errors.Is(err, ErrBreakingChange):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}

// HTTPStatus maps an error to the HTTP status code for the wire layer.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "":
		return http.StatusOK
	case KindSchemaValidation, KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnknownField, KindUnqueryableField:
		return http.StatusBadRequest
	case KindTenantScope:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindDuplicate:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindOverloaded:
		return http.StatusServiceUnavailable
	case KindRetentionConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
