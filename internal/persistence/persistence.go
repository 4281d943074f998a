package persistence

import (
	"encoding/json"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// summary holds the instance fields derived from appended events.
type summary struct {
	Status    api.Status
	Output    json.RawMessage
	Failure   *api.FailureDetails
	UpdatedAt time.Time
}

// fold derives the instance summary after appending events to a RUNNING
// instance. UpdatedAt follows the newest event timestamp.
func fold(events []api.HistoryEvent, updatedAt time.Time) summary {
	s := summary{Status: api.StatusRunning, UpdatedAt: updatedAt}
	for _, ev := range events {
		if ev.At.After(s.UpdatedAt) {
			s.UpdatedAt = ev.At
		}
		if ev.Type != api.EventOrchestratorCompleted {
			continue
		}
		s.Output = ev.Payload
		s.Failure = ev.Failure
		if ev.Failure != nil {
			s.Status = api.StatusFailed
		} else {
			s.Status = api.StatusCompleted
		}
	}
	return s
}

// checkAppend classifies why an append cannot proceed, or returns nil.
func checkAppend(status api.Status, historyLen, expected int) error {
	if status.Terminal() {
		return ErrInstanceTerminal
	}
	if historyLen != expected {
		return ErrConflict
	}
	return nil
}

func matches(filter InstanceFilter, name string, status api.Status) bool {
	if filter.WorkflowName != "" && name != filter.WorkflowName {
		return false
	}
	if filter.Status != "" && status != filter.Status {
		return false
	}
	return true
}

func cloneInstance(inst *api.WorkflowInstance, withHistory bool) *api.WorkflowInstance {
	cp := *inst
	cp.History = nil
	if withHistory {
		cp.History = append([]api.HistoryEvent(nil), inst.History...)
	}
	if inst.Failure != nil {
		f := *inst.Failure
		cp.Failure = &f
	}
	return &cp
}
