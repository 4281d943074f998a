package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/orderflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrInstanceExists is returned when creating an instance whose id is taken.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrConflict is returned when the history length no longer matches the
	// caller's expectation. Callers reload and retry.
	ErrConflict = errors.New("history changed concurrently")

	// ErrInstanceTerminal is returned when appending to a completed or failed
	// instance.
	ErrInstanceTerminal = api.ErrInstanceTerminal
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowName string
	Status       api.Status
}

// InstanceStore handles storage of workflow instances and their histories.
//
// History is append-only. AppendEvents is the single mutation after
// creation and succeeds only when the stored history still has exactly
// expected events, which serializes writers per instance.
type InstanceStore interface {
	// CreateInstance stores a new RUNNING instance with its initial history.
	CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error

	// GetInstance returns the instance including its full history.
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)

	// ListInstances returns matching instances ordered by creation time.
	// History is not loaded.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)

	// AppendEvents appends events to the history of a RUNNING instance and
	// returns the updated instance. An orchestrator.completed event moves the
	// instance to its terminal status.
	AppendEvents(ctx context.Context, id string, expected int, events ...api.HistoryEvent) (*api.WorkflowInstance, error)
}
