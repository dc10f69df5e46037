package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/taskrelay/taskrelay/internal/core"
)

const sseHeartbeatInterval = 15 * time.Second

// EventsHandler streams task events over Server-Sent Events.
type EventsHandler struct {
	subscriber core.EventSubscriber
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(subscriber core.EventSubscriber) *EventsHandler {
	return &EventsHandler{subscriber: subscriber}
}

// Stream handles GET /v1/events
//
// Query parameters select the subscription scope: task_id narrows to a
// single task, queue narrows to a queue, neither streams everything.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError,
			core.NewInternalError("Streaming is not supported by this connection."))
		return
	}

	var (
		events      <-chan *core.TaskEvent
		unsubscribe func()
		err         error
	)
	switch {
	case r.URL.Query().Get("task_id") != "":
		events, unsubscribe, err = h.subscriber.SubscribeTask(r.URL.Query().Get("task_id"))
	case r.URL.Query().Get("queue") != "":
		events, unsubscribe, err = h.subscriber.SubscribeQueue(r.URL.Query().Get("queue"))
	default:
		events, unsubscribe, err = h.subscriber.SubscribeAll()
	}
	if err != nil {
		HandleError(w, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
