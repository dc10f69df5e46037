package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/state"
)

// QueueHandler handles queue metadata endpoints.
type QueueHandler struct {
	store state.Store
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(store state.Store) *QueueHandler {
	return &QueueHandler{store: store}
}

type queueInfo struct {
	Name      string `json:"name"`
	Paused    bool   `json:"paused"`
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Succeeded int    `json:"succeeded"`
}

func (h *QueueHandler) describe(r *http.Request, name string) (*queueInfo, error) {
	ctx := r.Context()

	paused, err := h.store.IsQueuePaused(ctx, name)
	if err != nil {
		return nil, err
	}
	pending, err := h.store.CountTasksByQueueAndState(ctx, name, core.StatePending)
	if err != nil {
		return nil, err
	}
	running, err := h.store.CountTasksByQueueAndState(ctx, name, core.StateRunning)
	if err != nil {
		return nil, err
	}
	succeeded, err := h.store.GetQueueSucceededCount(ctx, name)
	if err != nil {
		return nil, err
	}

	return &queueInfo{
		Name:      name,
		Paused:    paused,
		Pending:   pending,
		Running:   running,
		Succeeded: succeeded,
	}, nil
}

// List handles GET /v1/queues
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.ListQueues(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}

	queues := make([]*queueInfo, 0, len(names))
	for _, name := range names {
		info, err := h.describe(r, name)
		if err != nil {
			HandleError(w, err)
			return
		}
		queues = append(queues, info)
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"queues": queues,
		"count":  len(queues),
	})
}

// Get handles GET /v1/queues/{name}
func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.describe(r, chi.URLParam(r, "name"))
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"queue": info})
}

// Pause handles POST /v1/queues/{name}/pause
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// Resume handles POST /v1/queues/{name}/resume
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *QueueHandler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	name := chi.URLParam(r, "name")
	if err := h.store.SetQueuePaused(r.Context(), name, paused); err != nil {
		HandleError(w, err)
		return
	}

	info, err := h.describe(r, name)
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"queue": info})
}
