package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskrelay/taskrelay/internal/batch"
	"github.com/taskrelay/taskrelay/internal/core"
)

// BatchHandler handles fan-out batch endpoints.
type BatchHandler struct {
	coordinator *batch.Coordinator
}

// NewBatchHandler creates a BatchHandler.
func NewBatchHandler(coordinator *batch.Coordinator) *BatchHandler {
	return &BatchHandler{coordinator: coordinator}
}

// Create handles POST /v1/batches
func (h *BatchHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req core.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("Invalid JSON in request body.", nil))
		return
	}

	created, err := h.coordinator.Dispatch(r.Context(), &req)
	if err != nil {
		HandleError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/batches/"+created.ID)
	WriteJSON(w, http.StatusCreated, map[string]any{"batch": created})
}

// Get handles GET /v1/batches/{id}
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	found, err := h.coordinator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"batch": found})
}

// Cancel handles DELETE /v1/batches/{id}
func (h *BatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.coordinator.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"batch": cancelled})
}
