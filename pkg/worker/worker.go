package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

// Config controls worker concurrency and the retry policy for tasks whose
// handler returned an infrastructure error.
type Config struct {
	// Concurrency is the number of goroutines Run uses. Defaults to 4.
	Concurrency int

	// MaxAttempts is the total number of executions per task, including the
	// first. Defaults to 5.
	MaxAttempts int

	// Backoff is the initial retry delay; it grows exponentially up to
	// MaxBackoff. Defaults to 200ms and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
}

// New creates a new Worker with default settings.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a new Worker.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
	}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or dequeue failed)
//   - processed == true: a task was processed; err is the handler error, if
//     any. Failed tasks are re-enqueued with backoff until MaxAttempts.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	return w.process(ctx, ctx)
}

// process waits for a task under waitCtx and handles it under ctx.
func (w *Worker) process(waitCtx, ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(waitCtx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	err = w.handle(ctx, task)
	if err == nil {
		return true, nil
	}
	if retryErr := w.retry(ctx, task, err); retryErr != nil {
		return true, errors.Join(err, retryErr)
	}
	return true, err
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeEvaluate:
		_, err := w.engine.Evaluate(ctx, task.InstanceID)
		return err
	case taskqueue.TaskTypeRunActivity:
		return w.engine.ExecuteActivity(ctx, task.InstanceID, task.Seq)
	case taskqueue.TaskTypeFireTimer:
		return w.engine.FireTimer(ctx, task.InstanceID, task.Seq)
	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return errors.New("unknown task type: " + string(task.Type))
	}
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, api.ErrInstanceNotFound) ||
		errors.Is(err, api.ErrNonDeterministic)
}

// retry re-enqueues a failed task with exponential backoff.
func (w *Worker) retry(ctx context.Context, task *taskqueue.Task, cause error) error {
	attrs := []any{
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.String("instance_id", task.InstanceID),
		slog.Int("seq", task.Seq),
		slog.Int("attempt", task.Attempts+1),
		slog.Any("error", cause),
	}
	if permanent(cause) || task.Attempts+1 >= w.cfg.MaxAttempts {
		w.logger.ErrorContext(ctx, "task dropped", attrs...)
		return nil
	}

	delay := w.delay(task.Attempts)
	next := *task
	next.ID = ""
	next.Attempts++
	next.EnqueuedAt = time.Time{}
	next.NotBefore = time.Now().Add(delay)

	w.logger.WarnContext(ctx, "task failed, retrying", append(attrs, slog.Duration("delay", delay))...)
	// The retry must outlive a shutdown that interrupted the handler.
	if err := w.queue.Enqueue(context.WithoutCancel(ctx), next); err != nil {
		return fmt.Errorf("re-enqueue %s task: %w", task.Type, err)
	}
	return nil
}

// delay returns the backoff before retry number attempts+1.
func (w *Worker) delay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.Backoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.RandomizationFactor = 0
	b.Reset()

	d := b.NextBackOff()
	for range attempts {
		d = b.NextBackOff()
	}
	return d
}

// Run processes tasks with Concurrency goroutines until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Concurrency {
		g.Go(func() error {
			w.logger.DebugContext(ctx, "worker started", slog.Int("worker", i))
			for {
				processed, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil && !processed {
					// Dequeue failures are usually transient store errors.
					w.logger.WarnContext(ctx, "dequeue failed", slog.Any("error", err))
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(w.cfg.Backoff):
					}
				}
			}
		})
	}
	return g.Wait()
}

// ProcessAvailable processes tasks until none becomes available within idle.
// It returns how many tasks were processed. Handler errors are retried per
// the configured policy and do not stop the loop.
func (w *Worker) ProcessAvailable(ctx context.Context, idle time.Duration) (int, error) {
	n := 0
	for {
		waitCtx, cancel := context.WithTimeout(ctx, idle)
		processed, err := w.process(waitCtx, ctx)
		cancel()
		if processed {
			n++
			continue
		}
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}
