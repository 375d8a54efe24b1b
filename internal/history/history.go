package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle or job event.
type EventType string

const (
	EventServerStart EventType = "server_start"
	EventServerReady EventType = "server_ready"
	EventServerStop  EventType = "server_stop"
	EventServerCrash EventType = "server_crash"

	EventJobSubmitted EventType = "job_submitted"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
)

// Event represents an audit event to be exported to external systems.
// Server events carry PID; job events carry JobID. Detail holds an exit
// code or error text when the event is a crash or failure.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Server     string    `json:"server"`
	PID        int       `json:"pid,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for audit events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Record sends e to sink if one is configured. Audit export is best-effort;
// the returned error is for callers that want to log it.
func Record(ctx context.Context, sink Sink, e Event) error {
	if sink == nil {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return sink.Send(ctx, e)
}
