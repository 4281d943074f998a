package api

import (
	"context"
	"encoding/json"
	"time"
)

// Engine is the orchestration API shared by the gateway and the workers.
//
// Writers never run workflow code themselves: they append one event and
// ask for re-evaluation. Only Evaluate turns history into new decisions.
type Engine interface {
	// RegisterWorkflow registers a definition by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// RegisterActivity registers an activity by name.
	RegisterActivity(def ActivityDefinition) error

	// Start creates a RUNNING instance with the given id and schedules its
	// first evaluation. Ids must be unique.
	Start(ctx context.Context, name string, id string, input any) (*WorkflowInstance, error)

	// GetInstance looks up a workflow instance by ID, including history.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns workflow instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// Evaluate replays the instance and appends at most one new decision.
	Evaluate(ctx context.Context, id string) (*WorkflowInstance, error)

	// ExecuteActivity runs the activity scheduled at (id, seq) unless its
	// completion is already recorded.
	ExecuteActivity(ctx context.Context, id string, seq int) error

	// FireTimer records that the timer (id, seq) fired.
	FireTimer(ctx context.Context, id string, seq int) error

	// RaiseEvent delivers a named external event to an instance.
	RaiseEvent(ctx context.Context, id string, name string, payload json.RawMessage) error

	// Recover re-arms timers, re-dispatches unresolved activities and
	// re-triggers evaluation for every RUNNING instance. It returns the
	// number of instances it touched.
	Recover(ctx context.Context) (int, error)

	// Sweep re-drives RUNNING instances whose next task is overdue by more
	// than staleAfter, covering tasks lost after dequeue. It returns the
	// number of instances it touched.
	Sweep(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Clock returns the current time. Engines use it only to stamp new events
// and compute delays; replay never reads it.
type Clock func() time.Time
