package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// instanceRecord is the summary row shared by the Redis and SQL backends.
type instanceRecord struct {
	ID         string              `json:"id"`
	Name       string              `json:"workflow_name"`
	Status     api.Status          `json:"status"`
	Input      json.RawMessage     `json:"input,omitempty"`
	Output     json.RawMessage     `json:"output,omitempty"`
	Failure    *api.FailureDetails `json:"failure,omitempty"`
	HistoryLen int                 `json:"history_len"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

func recordOf(inst *api.WorkflowInstance) instanceRecord {
	return instanceRecord{
		ID:         inst.ID,
		Name:       inst.Name,
		Status:     inst.Status,
		Input:      inst.Input,
		Output:     inst.Output,
		Failure:    inst.Failure,
		HistoryLen: len(inst.History),
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}
}

func (r instanceRecord) instance() *api.WorkflowInstance {
	return &api.WorkflowInstance{
		ID:        r.ID,
		Name:      r.Name,
		Status:    r.Status,
		Input:     r.Input,
		Output:    r.Output,
		Failure:   r.Failure,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func encodeEvent(ev api.HistoryEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return data, nil
}

func decodeEvent(data []byte) (api.HistoryEvent, error) {
	var ev api.HistoryEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return api.HistoryEvent{}, fmt.Errorf("decode history event: %w", err)
	}
	return ev, nil
}

func encodeFailure(f *api.FailureDetails) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

func decodeFailure(data []byte) (*api.FailureDetails, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var f api.FailureDetails
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode failure details: %w", err)
	}
	return &f, nil
}
