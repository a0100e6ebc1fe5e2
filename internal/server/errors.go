package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/straja-ai/triage/internal/redact"
	"github.com/straja-ai/triage/internal/triage"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	TraceID string `json:"trace_id,omitempty"`
}

// writeError writes the gateway's JSON error shape.
func writeError(w http.ResponseWriter, status int, message, typ string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: typ}})
}

// statusFor maps engine errors to HTTP statuses. A council that could not
// vote (503) is kept apart from a failed collaborator (502).
func statusFor(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, "request_too_large"
	case errors.Is(err, triage.ErrInput):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, triage.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, triage.ErrSessionEnded):
		return http.StatusConflict, "session_ended"
	case errors.Is(err, triage.ErrCouncilUnavailable):
		return http.StatusServiceUnavailable, "council_unavailable"
	case errors.Is(err, triage.ErrCollaboratorUnavailable):
		return http.StatusBadGateway, "collaborator_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeEngineError(w http.ResponseWriter, err error, traceID string) {
	status, typ := statusFor(err)
	if status >= 500 {
		redact.Logf("request failed (%s): %v", typ, err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Message: redact.String(err.Error()),
		Type:    typ,
		TraceID: traceID,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		redact.Logf("failed to write response: %v", err)
	}
}
