package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/dispatch"
)

// CronHandler handles recurring schedule endpoints.
type CronHandler struct {
	dispatcher *dispatch.Dispatcher
}

// NewCronHandler creates a CronHandler.
func NewCronHandler(dispatcher *dispatch.Dispatcher) *CronHandler {
	return &CronHandler{dispatcher: dispatcher}
}

// Create handles PUT /v1/crons/{name}
func (h *CronHandler) Create(w http.ResponseWriter, r *http.Request) {
	var schedule core.CronSchedule
	if err := json.NewDecoder(r.Body).Decode(&schedule); err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("Invalid JSON in request body.", nil))
		return
	}
	schedule.Name = chi.URLParam(r, "name")

	created, err := h.dispatcher.RegisterCron(r.Context(), &schedule)
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"cron": created})
}

// List handles GET /v1/crons
func (h *CronHandler) List(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.dispatcher.ListCrons(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"crons": schedules,
		"count": len(schedules),
	})
}

// Get handles GET /v1/crons/{name}
func (h *CronHandler) Get(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.dispatcher.GetCron(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"cron": schedule})
}

// Delete handles DELETE /v1/crons/{name}
func (h *CronHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.DeleteCron(r.Context(), chi.URLParam(r, "name")); err != nil {
		HandleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
