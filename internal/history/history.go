package history

import (
	"context"
	"time"

	"github.com/loykin/pyker/internal/process"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventRestart EventType = "restart"
	EventStop    EventType = "stop"
	EventErrored EventType = "errored"
	EventDelete  EventType = "delete"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Record     process.Record `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// FromTransition maps a committed record change to a lifecycle event.
// Changes that do not alter the status (resource samples, for example)
// produce no event.
func FromTransition(old, next *process.Record, at time.Time) (Event, bool) {
	switch {
	case next == nil && old != nil:
		return Event{Type: EventDelete, OccurredAt: at, Record: old.Clone()}, true
	case next == nil || old == nil:
		return Event{}, false
	case old.Status == next.Status:
		return Event{}, false
	}
	var t EventType
	switch next.Status {
	case process.StatusRunning:
		t = EventStart
	case process.StatusStarting:
		if old.Status != process.StatusRunning {
			return Event{}, false
		}
		t = EventRestart
	case process.StatusStopped:
		t = EventStop
	case process.StatusErrored:
		t = EventErrored
	default:
		return Event{}, false
	}
	rec := next.Clone()
	if rec.PID == 0 {
		// keep the pid of the run that just ended
		rec.PID = old.PID
	}
	return Event{Type: t, OccurredAt: at, Record: rec}, true
}
