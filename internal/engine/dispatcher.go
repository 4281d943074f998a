package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

// scheduleActivity queues execution of the activity recorded at (id, seq).
func (e *engineImpl) scheduleActivity(ctx context.Context, id string, seq int) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeRunActivity,
		InstanceID: id,
		Seq:        seq,
	})
}

// ExecuteActivity runs the activity scheduled at (id, seq) at most once per
// recorded completion. Duplicate tasks that arrive after the result is in
// history are no-ops.
func (e *engineImpl) ExecuteActivity(ctx context.Context, id string, seq int) (err error) {
	ctx, span := e.tracer.Start(ctx, "engine.ExecuteActivity", trace.WithAttributes(
		attribute.String("instance_id", id),
		attribute.Int("seq", seq),
	))
	defer func() { endSpan(span, err) }()

	key := id + "/" + strconv.Itoa(seq)
	_, err, _ = e.inflight.Do(key, func() (any, error) {
		return nil, e.executeActivity(ctx, id, seq)
	})
	return err
}

func (e *engineImpl) executeActivity(ctx context.Context, id string, seq int) error {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}
	idx, err := indexHistory(inst.History)
	if err != nil {
		return err
	}
	sched, ok := idx.scheduled[seq]
	if !ok {
		return fmt.Errorf("instance %s has no activity scheduled at seq %d", id, seq)
	}
	if _, done := idx.results[seq]; done {
		return nil
	}

	name := sched.ev.Name
	result, failure := e.invoke(ctx, id, name, seq, sched.ev.Payload)
	if err := ctx.Err(); err != nil {
		// Shutting down; Recover dispatches the activity again.
		return err
	}

	appended, err := e.appendCompletion(ctx, id, func(inst *api.WorkflowInstance) (api.HistoryEvent, bool, error) {
		for _, ev := range inst.History {
			if (ev.Type == api.EventActivityCompleted || ev.Type == api.EventActivityFailed) && ev.Seq == seq {
				return api.HistoryEvent{}, false, nil
			}
		}
		if failure != nil {
			return api.ActivityFailed(e.now(), seq, failure), true, nil
		}
		return api.ActivityCompleted(e.now(), seq, result), true, nil
	})
	if errors.Is(err, persistence.ErrInstanceTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record %s result for %s: %w", name, id, err)
	}
	if !appended {
		return nil
	}
	return e.trigger(ctx, id)
}

// invoke calls the activity function and converts its outcome to either an
// encoded result or failure details. Panics become failures.
func (e *engineImpl) invoke(ctx context.Context, id, name string, seq int, input json.RawMessage) (result json.RawMessage, failure *api.FailureDetails) {
	def, ok := e.registry.activity(name)
	if !ok {
		return nil, &api.FailureDetails{
			Message:   "activity not registered: " + name,
			ErrorType: api.ErrorTypeActivity,
		}
	}

	e.observer.OnActivityStart(ctx, id, name, seq)
	start := time.Now()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity %s panicked: %v", name, r)
			failure = failureFrom(err)
			result = nil
			e.logger.ErrorContext(ctx, "activity panic",
				slog.String("instance_id", id),
				slog.String("activity", name),
				slog.Any("panic", r),
			)
		}
		e.observer.OnActivityCompleted(ctx, id, name, seq, err, time.Since(start))
	}()

	out, err := def.Fn(ctx, input)
	if err != nil {
		return nil, failureFrom(err)
	}
	data, err := json.Marshal(out)
	if err != nil {
		err = fmt.Errorf("encode %s result: %w", name, err)
		return nil, failureFrom(err)
	}
	return data, nil
}

func failureFrom(err error) *api.FailureDetails {
	var fd *api.FailureDetails
	if errors.As(err, &fd) {
		return fd
	}
	return &api.FailureDetails{Message: err.Error(), ErrorType: api.ErrorTypeActivity}
}
