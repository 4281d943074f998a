package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay evaluation.
type Observer interface {
	// OnWorkflowStart is called once when an instance is created.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowCompleted is called when an instance reaches StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFailed is called when an instance reaches StatusFailed.
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance)

	// OnActivityStart is called right before an activity function runs.
	OnActivityStart(ctx context.Context, instanceID, activity string, seq int)

	// OnActivityCompleted is called after an activity function returns, for
	// both successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, instanceID, activity string, seq int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)     {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance)    {}
func (NoopObserver) OnActivityStart(ctx context.Context, instanceID, activity string, seq int) {
}
func (NoopObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, seq int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, inst)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, instanceID, activity string, seq int) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, instanceID, activity, seq)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, seq int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, instanceID, activity, seq, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow and activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance) {
	attrs := []any{
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
	}
	if inst.Failure != nil {
		attrs = append(attrs,
			slog.String("error_type", inst.Failure.ErrorType),
			slog.String("error", inst.Failure.Message),
		)
	}
	o.Logger.WarnContext(ctx, "workflow_failed", attrs...)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, instanceID, activity string, seq int) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("instance_id", instanceID),
		slog.String("activity", activity),
		slog.Int("seq", seq),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, seq int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("instance_id", instanceID),
		slog.String("activity", activity),
		slog.Int("seq", seq),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted      atomic.Int64
	workflowsCompleted    atomic.Int64
	workflowsFailed       atomic.Int64
	activitiesCompleted   atomic.Int64
	activitiesFailed      atomic.Int64
	totalActivityDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	PendingWorkflows   int64

	ActivitiesCompleted int64
	ActivitiesFailed    int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, instanceID, activity string, seq int, err error, d time.Duration) {
	if err != nil {
		m.activitiesFailed.Add(1)
		return
	}
	m.activitiesCompleted.Add(1)
	m.totalActivityDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	done := m.activitiesCompleted.Load()
	totalNs := m.totalActivityDuration.Load()

	var avg time.Duration
	if done > 0 {
		avg = time.Duration(totalNs / done)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:    started,
		WorkflowsCompleted:  completed,
		WorkflowsFailed:     failed,
		PendingWorkflows:    started - completed - failed,
		ActivitiesCompleted: done,
		ActivitiesFailed:    m.activitiesFailed.Load(),
		AvgActivityDuration: avg,
	}
}
