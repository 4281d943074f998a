package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

const defaultMaxAppendRetries = 16

// engineImpl is a durable orchestrator. It never blocks on workflow
// progress: every wait is a history event plus a queued task.
type engineImpl struct {
	registry  *registry
	instances persistence.InstanceStore
	queue     taskqueue.Queue
	observer  api.Observer
	logger    *slog.Logger
	now       api.Clock
	tracer    trace.Tracer

	maxAppendRetries int

	// inflight collapses concurrent executions of one activity in-process.
	inflight singleflight.Group
}

// Config describes how to construct an engine.
type Config struct {
	Instances persistence.InstanceStore
	Queue     taskqueue.Queue
	Observer  api.Observer
	Logger    *slog.Logger

	// Clock stamps new history events. Defaults to time.Now in UTC.
	Clock api.Clock

	// MaxAppendRetries bounds reload-and-retry loops on optimistic
	// conflicts. Defaults to 16.
	MaxAppendRetries int
}

// NewInMemoryEngine returns an engine backed by an in-memory store and
// queue. It is used by tests and single-process demos.
func NewInMemoryEngine() (api.Engine, taskqueue.Queue) {
	q := taskqueue.NewInMemoryQueue()
	return NewEngineWithConfig(Config{
		Instances: persistence.NewInMemoryStore(),
		Queue:     q,
	}), q
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	retries := cfg.MaxAppendRetries
	if retries <= 0 {
		retries = defaultMaxAppendRetries
	}
	return &engineImpl{
		registry:         newRegistry(),
		instances:        cfg.Instances,
		queue:            cfg.Queue,
		observer:         obs,
		logger:           logger,
		now:              clock,
		tracer:           otel.Tracer("github.com/petrijr/orderflow/internal/engine"),
		maxAppendRetries: retries,
	}
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.registry.registerWorkflow(def)
}

func (e *engineImpl) RegisterActivity(def api.ActivityDefinition) error {
	return e.registry.registerActivity(def)
}

func (e *engineImpl) Start(ctx context.Context, name string, id string, input any) (*api.WorkflowInstance, error) {
	if _, err := e.registry.workflow(name); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode %s input: %w", name, err)
	}

	now := e.now()
	inst := &api.WorkflowInstance{
		ID:        id,
		Name:      name,
		Status:    api.StatusRunning,
		Input:     data,
		History:   []api.HistoryEvent{api.OrchestratorStarted(now)},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.instances.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	e.observer.OnWorkflowStart(ctx, inst)

	if err := e.trigger(ctx, id); err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return e.instances.GetInstance(ctx, id)
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.instances.ListInstances(ctx, persistence.InstanceFilter{
		WorkflowName: opts.WorkflowName,
		Status:       opts.Status,
	})
}

func (e *engineImpl) Evaluate(ctx context.Context, id string) (inst *api.WorkflowInstance, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.Evaluate", trace.WithAttributes(attribute.String("instance_id", id)))
	defer func() { endSpan(span, err) }()

	for attempt := 0; ; attempt++ {
		inst, err := e.instances.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}

		def, err := e.registry.workflow(inst.Name)
		if err != nil {
			return nil, err
		}
		d, err := decide(def, inst, e.now())
		if err != nil {
			if errors.Is(err, api.ErrNonDeterministic) {
				e.logger.ErrorContext(ctx, "replay diverged from history",
					slog.String("instance_id", id),
					slog.Any("error", err),
				)
			}
			return nil, err
		}
		if d.event == nil {
			return inst, nil
		}

		updated, err := e.instances.AppendEvents(ctx, id, len(inst.History), *d.event)
		switch {
		case errors.Is(err, persistence.ErrConflict) && attempt < e.maxAppendRetries:
			continue
		case errors.Is(err, persistence.ErrInstanceTerminal):
			return e.instances.GetInstance(ctx, id)
		case err != nil:
			return nil, fmt.Errorf("append %s decision for %s: %w", d.event.Type, id, err)
		}

		span.SetAttributes(attribute.String("decision", string(d.event.Type)))
		if err := e.afterDecision(ctx, updated, *d.event); err != nil {
			return nil, err
		}
		return updated, nil
	}
}

// afterDecision performs the side effect of a durable decision.
func (e *engineImpl) afterDecision(ctx context.Context, inst *api.WorkflowInstance, ev api.HistoryEvent) error {
	switch ev.Type {
	case api.EventActivityScheduled:
		return e.scheduleActivity(ctx, inst.ID, ev.Seq)
	case api.EventTimerCreated:
		return e.armTimer(ctx, inst.ID, ev.Seq, ev.FireAt)
	case api.EventOrchestratorCompleted:
		if inst.Status == api.StatusFailed {
			e.observer.OnWorkflowFailed(ctx, inst)
		} else {
			e.observer.OnWorkflowCompleted(ctx, inst)
		}
	}
	return nil
}

// Recover re-drives every RUNNING instance after a restart.
func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	running, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, summary := range running {
		inst, err := e.instances.GetInstance(ctx, summary.ID)
		if err != nil {
			return n, err
		}
		if inst.Status.Terminal() {
			continue
		}
		idx, err := indexHistory(inst.History)
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", inst.ID, err)
		}

		for _, p := range idx.unfiredTimers() {
			if err := e.armTimer(ctx, inst.ID, p.ev.Seq, p.ev.FireAt); err != nil {
				return n, err
			}
		}
		for _, p := range idx.pendingActivities() {
			if err := e.scheduleActivity(ctx, inst.ID, p.ev.Seq); err != nil {
				return n, err
			}
		}
		if err := e.trigger(ctx, inst.ID); err != nil {
			return n, err
		}
		n++
	}

	e.logger.InfoContext(ctx, "recovered running instances", slog.Int("count", n))
	return n, nil
}

// Sweep re-drives RUNNING instances whose progress depends on a task that
// should have run more than staleAfter ago: overdue timers, activities
// scheduled long ago without a result, and instances with a decision ready
// but no update since the cutoff. Queued work whose task was lost is picked
// up again; duplicates are absorbed by the idempotent handlers. It returns
// the number of instances it touched.
func (e *engineImpl) Sweep(ctx context.Context, staleAfter time.Duration) (int, error) {
	running, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}
	now := e.now()
	cutoff := now.Add(-staleAfter)

	n := 0
	for _, summary := range running {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		inst, err := e.instances.GetInstance(ctx, summary.ID)
		if errors.Is(err, api.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if inst.Status.Terminal() {
			continue
		}
		touched, err := e.sweepInstance(ctx, inst, now, cutoff)
		if err != nil {
			return n, fmt.Errorf("sweep %s: %w", inst.ID, err)
		}
		if touched {
			n++
		}
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "swept stalled instances", slog.Int("count", n))
	}
	return n, nil
}

func (e *engineImpl) sweepInstance(ctx context.Context, inst *api.WorkflowInstance, now, cutoff time.Time) (bool, error) {
	idx, err := indexHistory(inst.History)
	if err != nil {
		return false, err
	}

	touched := false
	for _, p := range idx.unfiredTimers() {
		if p.ev.FireAt.Before(cutoff) {
			if err := e.armTimer(ctx, inst.ID, p.ev.Seq, p.ev.FireAt); err != nil {
				return touched, err
			}
			touched = true
		}
	}
	for _, p := range idx.pendingActivities() {
		if p.ev.At.Before(cutoff) {
			if err := e.scheduleActivity(ctx, inst.ID, p.ev.Seq); err != nil {
				return touched, err
			}
			touched = true
		}
	}
	if !inst.UpdatedAt.Before(cutoff) {
		return touched, nil
	}

	def, err := e.registry.workflow(inst.Name)
	if err != nil {
		return touched, err
	}
	d, err := decide(def, inst, now)
	if errors.Is(err, api.ErrNonDeterministic) {
		e.logger.ErrorContext(ctx, "replay diverged from history",
			slog.String("instance_id", inst.ID),
			slog.Any("error", err),
		)
		return touched, nil
	}
	if err != nil {
		return touched, err
	}
	if d.event == nil {
		return touched, nil
	}
	return true, e.trigger(ctx, inst.ID)
}

// trigger asks a worker to re-evaluate the instance.
func (e *engineImpl) trigger(ctx context.Context, id string) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeEvaluate,
		InstanceID: id,
	})
}

// appendCompletion appends the event built from the latest history.
// build returns ok=false when nothing needs to be appended anymore.
// Conflicts reload and rebuild; a terminal instance reports ErrInstanceTerminal.
func (e *engineImpl) appendCompletion(ctx context.Context, id string, build func(inst *api.WorkflowInstance) (api.HistoryEvent, bool, error)) (bool, error) {
	for attempt := 0; ; attempt++ {
		inst, err := e.instances.GetInstance(ctx, id)
		if err != nil {
			return false, err
		}
		if inst.Status.Terminal() {
			return false, persistence.ErrInstanceTerminal
		}
		ev, ok, err := build(inst)
		if err != nil || !ok {
			return false, err
		}

		_, err = e.instances.AppendEvents(ctx, id, len(inst.History), ev)
		if errors.Is(err, persistence.ErrConflict) && attempt < e.maxAppendRetries {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
