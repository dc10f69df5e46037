// Package server wires the HTTP router and its dependencies.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskrelay/taskrelay/internal/api"
	"github.com/taskrelay/taskrelay/internal/batch"
	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/dispatch"
	"github.com/taskrelay/taskrelay/internal/ledger"
	"github.com/taskrelay/taskrelay/internal/state"
)

// Deps carries the components the router exposes over HTTP.
type Deps struct {
	Store       state.Store
	Dispatcher  *dispatch.Dispatcher
	Coordinator *batch.Coordinator
	Ledger      *ledger.Ledger
	Subscriber  core.EventSubscriber
}

// NewRouter creates and configures the HTTP router with all routes.
func NewRouter(deps Deps, logger *slog.Logger, cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(api.ResponseHeaders)
	r.Use(api.RequestLogger(logger))
	r.Use(api.ValidateContentType)

	if cfg.APIKey != "" {
		r.Use(api.KeyAuth(cfg.APIKey, "/metrics", "/v1/health"))
	}

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	taskHandler := api.NewTaskHandler(deps.Dispatcher)
	batchHandler := api.NewBatchHandler(deps.Coordinator)
	ledgerHandler := api.NewLedgerHandler(deps.Ledger)
	queueHandler := api.NewQueueHandler(deps.Store)
	deadLetterHandler := api.NewDeadLetterHandler(deps.Dispatcher)
	cronHandler := api.NewCronHandler(deps.Dispatcher)
	systemHandler := api.NewSystemHandler(deps.Dispatcher)

	r.Get("/v1/health", systemHandler.Health)

	r.Post("/v1/tasks", taskHandler.Create)
	r.Get("/v1/tasks/{id}", taskHandler.Get)
	r.Delete("/v1/tasks/{id}", taskHandler.Cancel)

	r.Post("/v1/batches", batchHandler.Create)
	r.Get("/v1/batches/{id}", batchHandler.Get)
	r.Delete("/v1/batches/{id}", batchHandler.Cancel)

	r.Get("/v1/ledger/{key}", ledgerHandler.Get)

	r.Get("/v1/queues", queueHandler.List)
	r.Get("/v1/queues/{name}", queueHandler.Get)
	r.Post("/v1/queues/{name}/pause", queueHandler.Pause)
	r.Post("/v1/queues/{name}/resume", queueHandler.Resume)

	r.Get("/v1/dead-letter", deadLetterHandler.List)
	r.Post("/v1/dead-letter/{id}/requeue", deadLetterHandler.Requeue)
	r.Delete("/v1/dead-letter/{id}", deadLetterHandler.Discard)

	r.Get("/v1/crons", cronHandler.List)
	r.Put("/v1/crons/{name}", cronHandler.Create)
	r.Get("/v1/crons/{name}", cronHandler.Get)
	r.Delete("/v1/crons/{name}", cronHandler.Delete)

	if deps.Subscriber != nil {
		eventsHandler := api.NewEventsHandler(deps.Subscriber)
		r.Get("/v1/events", eventsHandler.Stream)
	}

	return r
}
