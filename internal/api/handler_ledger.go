package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskrelay/taskrelay/internal/ledger"
)

// LedgerHandler exposes the idempotency ledger for inspection.
type LedgerHandler struct {
	ledger *ledger.Ledger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(l *ledger.Ledger) *LedgerHandler {
	return &LedgerHandler{ledger: l}
}

// Get handles GET /v1/ledger/{key}
func (h *LedgerHandler) Get(w http.ResponseWriter, r *http.Request) {
	record, err := h.ledger.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		HandleError(w, err)
		return
	}

	entry := map[string]any{
		"key":        chi.URLParam(r, "key"),
		"status":     record.Status,
		"task_id":    record.TaskID,
		"created_at": record.CreatedAt,
	}
	if record.CompletedAt != "" {
		entry["completed_at"] = record.CompletedAt
	}
	if record.Result != "" {
		entry["result"] = json.RawMessage(record.Result)
	}

	WriteJSON(w, http.StatusOK, map[string]any{"entry": entry})
}
