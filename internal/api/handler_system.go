package api

import (
	"net/http"

	"github.com/taskrelay/taskrelay/internal/dispatch"
)

// SystemHandler handles health and introspection endpoints.
type SystemHandler struct {
	dispatcher *dispatch.Dispatcher
}

// NewSystemHandler creates a SystemHandler.
func NewSystemHandler(dispatcher *dispatch.Dispatcher) *SystemHandler {
	return &SystemHandler{dispatcher: dispatcher}
}

// Health handles GET /v1/health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := h.dispatcher.Health(r.Context())

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, resp)
}
