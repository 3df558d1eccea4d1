// ABOUTME: Single error boundary mapping service errors to HTTP responses
// ABOUTME: Engine diagnostics stay in logs unless dev_mode is enabled

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yardly/yardly-gateway/internal/engine"
	"github.com/yardly/yardly-gateway/internal/session"
	"github.com/yardly/yardly-gateway/internal/store"
)

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps a service error onto an HTTP response. Every handler
// funnels failures through here so the status mapping lives in one place.
// Engine failures answer 502 with a generic message; the diagnostics are
// logged, and exposed to the client only when dev_mode is on.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		sendJSONError(w, http.StatusBadRequest, "message is required")

	case errors.Is(err, store.ErrDuplicateEmail):
		sendJSONError(w, http.StatusBadRequest, "email already in use")

	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "not found")

	default:
		if detail, ok := engineErrorDetail(err); ok {
			s.logger.Error("engine failure", "error", err)
			if s.devMode {
				sendJSONError(w, http.StatusBadGateway, detail)
			} else {
				sendJSONError(w, http.StatusBadGateway, "agent invocation failed")
			}
			return
		}
		s.logger.Error("request failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// engineErrorDetail reports whether err came from the engine gateway and
// returns a human-readable detail string for dev mode responses.
func engineErrorDetail(err error) (string, bool) {
	var execErr *engine.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Error(), true
	}
	var protoErr *engine.ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Error(), true
	}
	var timeoutErr *engine.TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Error(), true
	}
	return "", false
}
