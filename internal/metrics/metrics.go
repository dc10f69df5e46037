// Package metrics provides Prometheus instrumentation for the Taskrelay server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts total tasks accepted for execution.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Name:      "tasks_submitted_total",
		Help:      "Total number of tasks submitted.",
	}, []string{"queue", "kind"})

	// TaskAttempts counts execution attempts, including retries.
	TaskAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Name:      "task_attempts_total",
		Help:      "Total number of task execution attempts.",
	}, []string{"queue", "kind"})

	// TasksSucceeded counts tasks that reached the succeeded state.
	TasksSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Name:      "tasks_succeeded_total",
		Help:      "Total number of tasks that succeeded.",
	}, []string{"queue", "kind"})

	// TasksFailed counts tasks that reached the failed state.
	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Name:      "tasks_failed_total",
		Help:      "Total number of tasks that failed permanently.",
	}, []string{"queue", "kind"})

	// TasksCancelled counts tasks cancelled before completion.
	TasksCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Name:      "tasks_cancelled_total",
		Help:      "Total number of tasks cancelled.",
	}, []string{"queue", "kind"})

	// RetriesScheduled counts retry delays scheduled after retryable failures.
	RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Name:      "retries_scheduled_total",
		Help:      "Total number of retries scheduled.",
	}, []string{"queue", "kind"})

	// TasksDeadLettered counts tasks moved to the dead letter set on exhaustion.
	TasksDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Name:      "tasks_dead_lettered_total",
		Help:      "Total number of tasks dead-lettered after retry exhaustion.",
	})

	// LedgerDecisions counts idempotency ledger outcomes: new, replayed, in_flight.
	LedgerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Name:      "ledger_decisions_total",
		Help:      "Idempotency ledger outcomes by result.",
	}, []string{"result"})

	// BatchesDispatched counts fan-out batches created.
	BatchesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Name:      "batches_dispatched_total",
		Help:      "Total number of batches dispatched.",
	})

	// BatchesFinished counts batches reaching a terminal status.
	BatchesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Name:      "batches_finished_total",
		Help:      "Total number of batches finished, by status.",
	}, []string{"status"})

	// TaskDuration tracks handler execution duration per attempt.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskrelay",
		Name:      "task_duration_seconds",
		Help:      "Duration of task handler execution in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"queue", "kind"})

	// RetryDelay tracks the computed backoff delay before each retry.
	RetryDelay = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskrelay",
		Name:      "retry_delay_seconds",
		Help:      "Backoff delay scheduled before retries, in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64, 128, 300},
	}, []string{"queue"})

	// QueueDepth tracks the number of pending tasks per queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskrelay",
		Name:      "queue_depth",
		Help:      "Number of pending tasks per queue.",
	}, []string{"queue"})

	// ConsumersActive tracks running queue consumers.
	ConsumersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskrelay",
		Name:      "consumers_active",
		Help:      "Number of active queue consumers.",
	}, []string{"queue"})

	// ServerInfo exposes static server metadata as labels.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskrelay",
		Name:      "server_info",
		Help:      "Static server metadata.",
	}, []string{"version", "store"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskrelay",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})
)

// Init sets static server metadata on the info metric.
func Init(version, store string) {
	ServerInfo.WithLabelValues(version, store).Set(1)
}
