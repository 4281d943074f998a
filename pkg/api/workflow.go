package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInstanceNotFound is returned when no instance exists for an ID.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceTerminal is returned when a caller tries to change an
	// instance that already completed or failed.
	ErrInstanceTerminal = errors.New("instance is terminal")

	// ErrNonDeterministic is returned when stored history no longer matches
	// the commands the workflow issues on replay.
	ErrNonDeterministic = errors.New("non-deterministic workflow")
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further history may be appended.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Failure error types recorded in FailureDetails.ErrorType.
const (
	ErrorTypeActivity         = "ActivityFailure"
	ErrorTypeInventory        = "InventoryFailure"
	ErrorTypeApprovalTimeout  = "ApprovalTimeout"
	ErrorTypeApprovalRejected = "ApprovalRejected"
)

// FailureDetails describes why an activity or a whole instance failed.
type FailureDetails struct {
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

func (f *FailureDetails) Error() string {
	return f.ErrorType + ": " + f.Message
}

// WorkflowInstance is the durable record of one workflow execution.
type WorkflowInstance struct {
	ID     string
	Name   string
	Status Status

	// Input is the JSON document the instance was started with. Replays
	// always rebuild the workflow from it.
	Input json.RawMessage

	// Output is set once the instance is terminal.
	Output json.RawMessage

	// Failure is set when Status is StatusFailed.
	Failure *FailureDetails

	// History is append-only; its length is the optimistic concurrency token
	// for every writer.
	History []HistoryEvent

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	WorkflowName string
	Status       Status
}

// CommandKind identifies what a workflow asks the orchestrator to do next.
type CommandKind int

const (
	// CommandCallActivity schedules a named activity and waits for its result.
	CommandCallActivity CommandKind = iota + 1
	// CommandAwaitEvent waits for a named external event or the deadline,
	// whichever is recorded first.
	CommandAwaitEvent
	// CommandComplete finishes the instance.
	CommandComplete
)

// Command is issued by a Machine at each decision point.
type Command struct {
	Kind CommandKind

	// CommandCallActivity
	Activity string
	Input    any

	// CommandAwaitEvent
	Event    string
	Deadline time.Time

	// CommandComplete. A non-nil Failure marks the instance FAILED.
	Output  any
	Failure *FailureDetails
}

// CallActivity builds a CommandCallActivity.
func CallActivity(name string, input any) Command {
	return Command{Kind: CommandCallActivity, Activity: name, Input: input}
}

// AwaitEvent builds a CommandAwaitEvent.
func AwaitEvent(name string, deadline time.Time) Command {
	return Command{Kind: CommandAwaitEvent, Event: name, Deadline: deadline}
}

// Complete builds a CommandComplete.
func Complete(output any, failure *FailureDetails) Command {
	return Command{Kind: CommandComplete, Output: output, Failure: failure}
}

// Outcome is the recorded resolution of the last command, fed back into the
// machine during replay.
type Outcome struct {
	// At is the timestamp of the history event that resolved the command.
	// Machines use it as their only notion of "now".
	At time.Time

	// Activity result or failure.
	Result json.RawMessage
	Err    *FailureDetails

	// AwaitEvent resolution.
	TimedOut bool
	Event    json.RawMessage
}

// Machine is an explicit, resumable state machine. The orchestrator calls
// Next to learn the pending command and Resume once history resolves it.
// Both must depend only on the input and previously resumed outcomes.
type Machine interface {
	Next() Command
	Resume(out Outcome) error
}

// WorkflowDefinition registers a machine factory under a name.
type WorkflowDefinition struct {
	Name string
	New  func(input json.RawMessage, startedAt time.Time) (Machine, error)
}

// ActivityFunc performs side-effecting work. The returned value is
// JSON-encoded into the ActivityCompleted event.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// ActivityDefinition describes a named activity.
type ActivityDefinition struct {
	Name string
	Fn   ActivityFunc
}
