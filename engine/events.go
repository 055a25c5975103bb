// ABOUTME: Observability surface: lifecycle event types and the emitter callback.
// ABOUTME: Every event carries the run id, a timestamp, and node-scoped data tags.
package engine

import (
	"time"
)

// EventType identifies the kind of engine lifecycle event.
type EventType string

const (
	EventPipelineStarted   EventType = "pipeline.started"
	EventPipelineCompleted EventType = "pipeline.completed"
	EventPipelineFailed    EventType = "pipeline.failed"
	EventNodeStarted       EventType = "node.started"
	EventNodeCompleted     EventType = "node.completed"
	EventNodeFailed        EventType = "node.failed"
	EventNodeRetry         EventType = "node.retry"
	EventNodeRestarted     EventType = "node.restarted"
	EventCircuitTransition EventType = "circuit_breaker.transition"
	EventWindowClosed      EventType = "window.closed"
	EventItemDeadLettered  EventType = "item.dead_lettered"
	EventQueueMetrics      EventType = "queue.metrics"
)

// Event is one lifecycle event emitted during pipeline execution.
type Event struct {
	Type   EventType
	RunID  string
	NodeID string
	Time   time.Time
	Data   map[string]any
}

// emitter delivers events to the configured handler, stamping time and run
// id. A nil handler discards events.
type emitter struct {
	runID   string
	handler func(Event)
}

func (e *emitter) emit(evt Event) {
	if e.handler == nil {
		return
	}
	evt.RunID = e.runID
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	e.handler(evt)
}
