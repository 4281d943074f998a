package engine

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/orderflow/pkg/api"
)

// RaiseEvent records a named external event and re-evaluates. Events that
// arrive before the workflow waits stay buffered in history and are matched
// in arrival order.
func (e *engineImpl) RaiseEvent(ctx context.Context, id string, name string, payload json.RawMessage) (err error) {
	ctx, span := e.tracer.Start(ctx, "engine.RaiseEvent", trace.WithAttributes(
		attribute.String("instance_id", id),
		attribute.String("event", name),
	))
	defer func() { endSpan(span, err) }()

	if name == "" {
		return errors.New("event name is required")
	}

	_, err = e.appendCompletion(ctx, id, func(*api.WorkflowInstance) (api.HistoryEvent, bool, error) {
		return api.ExternalEventReceived(e.now(), name, payload), true, nil
	})
	if err != nil {
		// Unknown ids and terminal instances surface as ErrInstanceNotFound
		// and ErrInstanceTerminal.
		return err
	}
	return e.trigger(ctx, id)
}
