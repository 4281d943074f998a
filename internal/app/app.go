// Package app wires the order saga service together: storage, task queue,
// engine, workers and the HTTP gateway.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/petrijr/orderflow/internal/activities"
	"github.com/petrijr/orderflow/internal/config"
	"github.com/petrijr/orderflow/internal/engine"
	"github.com/petrijr/orderflow/internal/gateway"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/saga"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
	"github.com/petrijr/orderflow/pkg/worker"
)

// App is a configured orderflow service.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	engine  api.Engine
	metrics *api.BasicMetrics
	worker  *worker.Worker
	gateway *gateway.Server

	closers []func(context.Context) error
}

// New connects to the configured backends and builds the service. The
// caller must Close the App.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, metrics: &api.BasicMetrics{}}
	if err := a.build(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	b := &backends{app: a}

	store, err := b.store(ctx)
	if err != nil {
		return fmt.Errorf("instance store: %w", err)
	}
	queue, err := b.queue(ctx)
	if err != nil {
		return fmt.Errorf("task queue: %w", err)
	}

	a.engine = engine.NewEngineWithConfig(engine.Config{
		Instances:        store,
		Queue:            queue,
		Observer:         api.NewCompositeObserver(api.NewLoggingObserver(a.logger), a.metrics),
		Logger:           a.logger,
		MaxAppendRetries: a.cfg.MaxAppendRetries,
	})

	// New orders record these terms; the definition applies them only to
	// orders stored without terms.
	terms := saga.Config{
		ApprovalThreshold: a.cfg.ApprovalThreshold,
		ApprovalTimeout:   a.cfg.ApprovalTimeout,
	}
	if err := a.engine.RegisterWorkflow(saga.Definition(terms)); err != nil {
		return err
	}

	notifier, err := b.notifier(ctx)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	acts := &activities.Activities{
		Inventory: a.client("inventory", a.cfg.InventoryURL),
		Payments:  a.client("payment", a.cfg.PaymentsURL),
		Shipping:  a.client("shipping", a.cfg.ShippingURL),
		Notifier:  notifier,
		Logger:    a.logger,
	}
	if err := acts.Register(a.engine); err != nil {
		return err
	}

	a.worker = worker.NewWithConfig(a.engine, queue, worker.Config{
		Concurrency: a.cfg.Workers,
		MaxAttempts: a.cfg.TaskMaxAttempts,
		Backoff:     a.cfg.TaskBackoff,
		MaxBackoff:  a.cfg.TaskMaxBackoff,
		Logger:      a.logger,
	})
	a.gateway = gateway.New(a.engine, a.logger, gateway.WithSagaConfig(terms))
	return nil
}

func (a *App) client(service, baseURL string) *activities.Client {
	return activities.NewClient(activities.ClientConfig{
		Service:   service,
		BaseURL:   baseURL,
		Timeout:   a.cfg.CollaboratorTimeout,
		RateLimit: a.cfg.CollaboratorRate,
		Burst:     a.cfg.CollaboratorBurst,
	})
}

// Engine returns the orchestrator.
func (a *App) Engine() api.Engine { return a.engine }

// Metrics returns the lifecycle counters.
func (a *App) Metrics() api.BasicMetricsSnapshot { return a.metrics.Snapshot() }

// Handler returns the gateway routes.
func (a *App) Handler() http.Handler { return a.gateway.Handler() }

// Recover re-drives instances left RUNNING by a previous process.
func (a *App) Recover(ctx context.Context) error {
	n, err := a.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "resumed orders", slog.Int("count", n))
	}
	return nil
}

// RunWorkers processes tasks until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	return a.worker.Run(ctx)
}

// Sweep re-drives orders whose tasks were lost after a worker claimed them.
func (a *App) Sweep(ctx context.Context) error {
	n, err := a.engine.Sweep(ctx, a.cfg.SweepStaleAfter)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "re-drove stalled orders", slog.Int("count", n))
	}
	return nil
}

// runSweeper calls Sweep every SweepInterval until ctx is cancelled. Sweep
// errors are logged; the next tick tries again.
func (a *App) runSweeper(ctx context.Context) error {
	if a.cfg.SweepInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
				a.logger.WarnContext(ctx, "sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Run recovers pending work, then serves HTTP, runs the workers and the
// sweeper until ctx is cancelled. The server drains for up to
// ShutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	if err := a.Recover(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.RunWorkers(gctx)
	})
	g.Go(func() error {
		return a.runSweeper(gctx)
	})
	g.Go(func() error {
		a.logger.InfoContext(gctx, "http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases backend connections in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

// backends opens each connection once and shares it between the store,
// the queue and the notifier.
type backends struct {
	app      *App
	sqlite   *sql.DB
	postgres *sql.DB
	redis    *redis.Client
	mongo    *mongo.Client
}

func (b *backends) store(ctx context.Context) (persistence.InstanceStore, error) {
	switch b.app.cfg.Store {
	case config.DriverMemory:
		return persistence.NewInMemoryStore(), nil
	case config.DriverSQLite:
		db, err := b.sqliteDB(ctx)
		if err != nil {
			return nil, err
		}
		return persistence.NewSQLiteInstanceStore(ctx, db)
	case config.DriverPostgres:
		db, err := b.postgresDB(ctx)
		if err != nil {
			return nil, err
		}
		return persistence.NewPostgresInstanceStore(ctx, db)
	case config.DriverRedis:
		client, err := b.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return persistence.NewRedisInstanceStore(client, b.app.cfg.RedisPrefix), nil
	case config.DriverMongo:
		client, err := b.mongoClient(ctx)
		if err != nil {
			return nil, err
		}
		return persistence.NewMongoInstanceStore(client, b.app.cfg.MongoDB, ""), nil
	}
	return nil, fmt.Errorf("unknown store %q", b.app.cfg.Store)
}

func (b *backends) queue(ctx context.Context) (taskqueue.Queue, error) {
	switch b.app.cfg.Queue {
	case config.DriverMemory:
		return taskqueue.NewInMemoryQueue(), nil
	case config.DriverSQLite:
		db, err := b.sqliteDB(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewSQLiteQueue(ctx, db)
	case config.DriverPostgres:
		db, err := b.postgresDB(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewPostgresQueue(ctx, db)
	case config.DriverRedis:
		client, err := b.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewRedisQueue(client, b.app.cfg.RedisPrefix), nil
	case config.DriverMongo:
		client, err := b.mongoClient(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewMongoQueue(client, b.app.cfg.MongoDB, ""), nil
	}
	return nil, fmt.Errorf("unknown queue %q", b.app.cfg.Queue)
}

func (b *backends) notifier(ctx context.Context) (activities.Notifier, error) {
	if b.app.cfg.Notifier != config.NotifierRedis {
		return activities.NewLogNotifier(b.app.logger), nil
	}
	client, err := b.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return activities.NewRedisNotifier(client, b.app.cfg.NotificationChannel), nil
}

func (b *backends) sqliteDB(ctx context.Context) (*sql.DB, error) {
	if b.sqlite != nil {
		return b.sqlite, nil
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", b.app.cfg.SQLitePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	b.app.closers = append(b.app.closers, func(context.Context) error { return db.Close() })
	if err := b.ping(ctx, "sqlite", db.PingContext); err != nil {
		return nil, err
	}
	b.sqlite = db
	return db, nil
}

func (b *backends) postgresDB(ctx context.Context) (*sql.DB, error) {
	if b.postgres != nil {
		return b.postgres, nil
	}
	db, err := sql.Open("pgx", b.app.cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	b.app.closers = append(b.app.closers, func(context.Context) error { return db.Close() })
	if err := b.ping(ctx, "postgres", db.PingContext); err != nil {
		return nil, err
	}
	b.postgres = db
	return db, nil
}

func (b *backends) redisClient(ctx context.Context) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	client := redis.NewClient(&redis.Options{Addr: b.app.cfg.RedisAddr})
	b.app.closers = append(b.app.closers, func(context.Context) error { return client.Close() })
	if err := b.ping(ctx, "redis", func(ctx context.Context) error { return client.Ping(ctx).Err() }); err != nil {
		return nil, err
	}
	b.redis = client
	return client, nil
}

func (b *backends) mongoClient(ctx context.Context) (*mongo.Client, error) {
	if b.mongo != nil {
		return b.mongo, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(b.app.cfg.MongoURI))
	if err != nil {
		return nil, err
	}
	b.app.closers = append(b.app.closers, client.Disconnect)
	if err := b.ping(ctx, "mongo", func(ctx context.Context) error { return client.Ping(ctx, nil) }); err != nil {
		return nil, err
	}
	b.mongo = client
	return client, nil
}

// ping waits for a backend to accept connections, retrying with
// exponential backoff for up to StartupTimeout.
func (b *backends) ping(ctx context.Context, name string, ping func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(b.app.cfg.StartupTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.app.logger.WarnContext(ctx, "backend not ready",
				slog.String("backend", name),
				slog.Duration("retry_in", next),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	return nil
}
