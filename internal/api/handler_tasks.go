package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/dispatch"
)

// TaskHandler handles task-related HTTP endpoints.
type TaskHandler struct {
	dispatcher *dispatch.Dispatcher
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(dispatcher *dispatch.Dispatcher) *TaskHandler {
	return &TaskHandler{dispatcher: dispatcher}
}

// Create handles POST /v1/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("Failed to read request body.", nil))
		return
	}

	var req core.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("Invalid JSON in request body.", nil))
		return
	}

	task, err := h.dispatcher.Submit(r.Context(), &req, "")
	if err != nil {
		HandleError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/tasks/"+task.ID)
	WriteJSON(w, http.StatusCreated, map[string]any{"task": task})
}

// Get handles GET /v1/tasks/{id}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	task, err := h.dispatcher.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"task": task})
}

// Cancel handles DELETE /v1/tasks/{id}
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	task, err := h.dispatcher.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"task": task})
}
