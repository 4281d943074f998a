package api

import (
	"encoding/json"
	"time"
)

// EventType identifies a workflow history event.
type EventType string

const (
	EventOrchestratorStarted   EventType = "orchestrator.started"
	EventOrchestratorCompleted EventType = "orchestrator.completed"

	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"

	EventTimerCreated EventType = "timer.created"
	EventTimerFired   EventType = "timer.fired"

	EventExternalEventReceived EventType = "event.received"
)

// HistoryEvent is one append-only history record. Which fields are set
// depends on Type.
type HistoryEvent struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// Seq binds activity and timer events to the command that created them.
	Seq int `json:"seq,omitempty"`

	// Name is the activity name or the external event name.
	Name string `json:"name,omitempty"`

	// Payload holds the activity input, activity result, event payload or
	// orchestrator output.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Failure is set for activity.failed and failed orchestrator.completed.
	Failure *FailureDetails `json:"failure,omitempty"`

	FireAt time.Time `json:"fire_at,omitzero"`
}

// Decision reports whether the event records an orchestrator decision as
// opposed to a completion appended by a dispatcher, timer or router.
func (e HistoryEvent) Decision() bool {
	switch e.Type {
	case EventActivityScheduled, EventTimerCreated, EventOrchestratorCompleted:
		return true
	}
	return false
}

func OrchestratorStarted(at time.Time) HistoryEvent {
	return HistoryEvent{Type: EventOrchestratorStarted, At: at}
}

func OrchestratorCompleted(at time.Time, output json.RawMessage, failure *FailureDetails) HistoryEvent {
	return HistoryEvent{Type: EventOrchestratorCompleted, At: at, Payload: output, Failure: failure}
}

func ActivityScheduled(at time.Time, seq int, name string, input json.RawMessage) HistoryEvent {
	return HistoryEvent{Type: EventActivityScheduled, At: at, Seq: seq, Name: name, Payload: input}
}

func ActivityCompleted(at time.Time, seq int, result json.RawMessage) HistoryEvent {
	return HistoryEvent{Type: EventActivityCompleted, At: at, Seq: seq, Payload: result}
}

func ActivityFailed(at time.Time, seq int, failure *FailureDetails) HistoryEvent {
	return HistoryEvent{Type: EventActivityFailed, At: at, Seq: seq, Failure: failure}
}

func TimerCreated(at time.Time, seq int, fireAt time.Time) HistoryEvent {
	return HistoryEvent{Type: EventTimerCreated, At: at, Seq: seq, FireAt: fireAt}
}

func TimerFired(at time.Time, seq int) HistoryEvent {
	return HistoryEvent{Type: EventTimerFired, At: at, Seq: seq}
}

func ExternalEventReceived(at time.Time, name string, payload json.RawMessage) HistoryEvent {
	return HistoryEvent{Type: EventExternalEventReceived, At: at, Name: name, Payload: payload}
}
