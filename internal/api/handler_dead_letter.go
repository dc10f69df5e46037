package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/taskrelay/taskrelay/internal/dispatch"
)

// DeadLetterHandler handles dead letter endpoints.
type DeadLetterHandler struct {
	dispatcher *dispatch.Dispatcher
}

// NewDeadLetterHandler creates a DeadLetterHandler.
func NewDeadLetterHandler(dispatcher *dispatch.Dispatcher) *DeadLetterHandler {
	return &DeadLetterHandler{dispatcher: dispatcher}
}

// List handles GET /v1/dead-letter
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	tasks, err := h.dispatcher.ListDeadLetter(r.Context(), limit)
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// Requeue handles POST /v1/dead-letter/{id}/requeue
func (h *DeadLetterHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	task, err := h.dispatcher.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"task": task})
}

// Discard handles DELETE /v1/dead-letter/{id}
func (h *DeadLetterHandler) Discard(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.DiscardDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		HandleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
