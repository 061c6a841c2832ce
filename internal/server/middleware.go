package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
)

const (
	headerTenantID  = "X-Tenant-ID"
	headerRequestID = "X-Request-ID"
)

// errorResponse is the wire shape of every error.
type errorResponse struct {
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
}

// requestIDMiddleware assigns every request an id, echoing one the caller
// already supplied.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(headerRequestID, rid)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), rid)))
	})
}

// tenantMiddleware binds the caller's tenant to the request context. Every
// tenant-scoped route requires it; downstream components cross-check it
// against the tenant they are asked to touch.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(headerTenantID)
		if tenantID == "" {
			s.writeError(w, errors.Wrapf(errors.ErrInvalidRequest, "missing %s header", headerTenantID))
			return
		}
		next.ServeHTTP(w, r.WithContext(logging.ContextWithTenantID(r.Context(), tenantID)))
	})
}

// tenantID returns the tenant bound by the middleware.
func tenantID(r *http.Request) string {
	return logging.TenantIDFromContext(r.Context())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{
		ErrorKind: errors.Kind(err),
		Message:   err.Error(),
		Field:     errors.FieldOf(err),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, errors.Wrap(errors.ErrInvalidRequest, "malformed request body"))
		return false
	}
	return true
}
