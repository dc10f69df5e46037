// Package api implements the HTTP surface of the Taskrelay server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/taskrelay/taskrelay/internal/core"
)

// ErrorResponse wraps a structured error for JSON serialization.
type ErrorResponse struct {
	Error *core.Error `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are gone; nothing sensible left to do
		return
	}
}

// WriteError writes a structured error response.
func WriteError(w http.ResponseWriter, status int, err *core.Error) {
	if reqID := w.Header().Get("X-Request-Id"); reqID != "" && err.RequestID == "" {
		err.RequestID = reqID
	}
	WriteJSON(w, status, ErrorResponse{Error: err})
}

// statusForCode maps error codes to HTTP status codes.
func statusForCode(code string) int {
	switch code {
	case core.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case core.ErrCodeValidationError:
		return http.StatusUnprocessableEntity
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeConflict, core.ErrCodeDuplicate, core.ErrCodeInvalidState:
		return http.StatusConflict
	case core.ErrCodeQueuePaused:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleError maps any error to an HTTP response. Structured errors
// keep their code and details; everything else becomes a 500.
func HandleError(w http.ResponseWriter, err error) {
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		WriteError(w, statusForCode(coreErr.Code), coreErr)
		return
	}
	WriteError(w, http.StatusInternalServerError, core.NewInternalError(err.Error()))
}
