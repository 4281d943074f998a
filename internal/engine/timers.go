package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

// armTimer queues a fire-timer task due at fireAt. Past deadlines fire as
// soon as a worker is free.
func (e *engineImpl) armTimer(ctx context.Context, id string, seq int, fireAt time.Time) error {
	// Queues schedule on wall time; fireAt is on the engine clock.
	delay := fireAt.Sub(e.now())
	return e.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeFireTimer,
		InstanceID: id,
		Seq:        seq,
		NotBefore:  time.Now().Add(delay),
	})
}

// FireTimer appends timer.fired for (id, seq) once and re-evaluates.
func (e *engineImpl) FireTimer(ctx context.Context, id string, seq int) (err error) {
	ctx, span := e.tracer.Start(ctx, "engine.FireTimer", trace.WithAttributes(
		attribute.String("instance_id", id),
		attribute.Int("seq", seq),
	))
	defer func() { endSpan(span, err) }()

	var early time.Time
	appended, err := e.appendCompletion(ctx, id, func(inst *api.WorkflowInstance) (api.HistoryEvent, bool, error) {
		var created *api.HistoryEvent
		for i, ev := range inst.History {
			if ev.Seq != seq {
				continue
			}
			switch ev.Type {
			case api.EventTimerCreated:
				created = &inst.History[i]
			case api.EventTimerFired:
				return api.HistoryEvent{}, false, nil
			}
		}
		if created == nil {
			return api.HistoryEvent{}, false, fmt.Errorf("instance %s has no timer at seq %d", id, seq)
		}
		now := e.now()
		if now.Before(created.FireAt) {
			early = created.FireAt
			return api.HistoryEvent{}, false, nil
		}
		return api.TimerFired(now, seq), true, nil
	})
	if errors.Is(err, persistence.ErrInstanceTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	if !early.IsZero() {
		return e.armTimer(ctx, id, seq, early)
	}
	if !appended {
		return nil
	}
	return e.trigger(ctx, id)
}
