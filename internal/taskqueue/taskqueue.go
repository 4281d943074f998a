package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeEvaluate replays an instance and appends its next decision.
	TaskTypeEvaluate TaskType = "evaluate"
	// TaskTypeRunActivity executes the activity scheduled at (InstanceID, Seq).
	TaskTypeRunActivity TaskType = "run-activity"
	// TaskTypeFireTimer records that the timer (InstanceID, Seq) fired.
	TaskTypeFireTimer TaskType = "fire-timer"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	InstanceID string

	// Seq is the activity or timer sequence number; zero for evaluate tasks.
	Seq int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	// Attempts counts previous failed executions of this task.
	Attempts int
}

// Queue is a simple async task queue interface.
//
// Delivery is at-most-once per Dequeue: a claimed task is removed from the
// queue. Work lost after a claim is re-derived from instance history by the
// engine's Recover at startup and its periodic Sweep.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task whose NotBefore has passed,
	// blocking until one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, including
	// delayed ones.
	Len() int
}

// prepare fills the ID, EnqueuedAt and NotBefore defaults.
func prepare(t Task, now time.Time) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}

// pollTimer is a reusable stopped timer for idle polling loops.
func pollTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	return tmr
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
