// Package config loads orderflow settings from ORDERFLOW_* environment
// variables and command-line flags. Flags win over the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Notifiers.
const (
	NotifierLog   = "log"
	NotifierRedis = "redis"
)

// Config holds the orderflow server configuration.
type Config struct {
	HTTPAddr string `env:"ORDERFLOW_HTTP_ADDR" envDefault:":3000"`

	// Store selects the instance store; Queue selects the task queue.
	Store string `env:"ORDERFLOW_STORE" envDefault:"sqlite"`
	Queue string `env:"ORDERFLOW_QUEUE" envDefault:"sqlite"`

	SQLitePath  string `env:"ORDERFLOW_SQLITE_PATH" envDefault:"orderflow.db"`
	PostgresDSN string `env:"ORDERFLOW_POSTGRES_DSN"`
	RedisAddr   string `env:"ORDERFLOW_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix string `env:"ORDERFLOW_REDIS_PREFIX" envDefault:"orderflow:"`
	MongoURI    string `env:"ORDERFLOW_MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDB     string `env:"ORDERFLOW_MONGO_DB" envDefault:"orderflow"`

	Workers          int           `env:"ORDERFLOW_WORKERS" envDefault:"4"`
	TaskMaxAttempts  int           `env:"ORDERFLOW_TASK_MAX_ATTEMPTS" envDefault:"5"`
	TaskBackoff      time.Duration `env:"ORDERFLOW_TASK_BACKOFF" envDefault:"200ms"`
	TaskMaxBackoff   time.Duration `env:"ORDERFLOW_TASK_MAX_BACKOFF" envDefault:"30s"`
	StartupTimeout   time.Duration `env:"ORDERFLOW_STARTUP_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout  time.Duration `env:"ORDERFLOW_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxAppendRetries int           `env:"ORDERFLOW_MAX_APPEND_RETRIES" envDefault:"16"`

	// SweepInterval is how often RUNNING orders are checked for lost tasks;
	// zero disables the sweeper. Work overdue by SweepStaleAfter is redone.
	SweepInterval   time.Duration `env:"ORDERFLOW_SWEEP_INTERVAL" envDefault:"1m"`
	SweepStaleAfter time.Duration `env:"ORDERFLOW_SWEEP_STALE_AFTER" envDefault:"5m"`

	InventoryURL        string        `env:"ORDERFLOW_INVENTORY_URL" envDefault:"http://localhost:3002"`
	PaymentsURL         string        `env:"ORDERFLOW_PAYMENTS_URL" envDefault:"http://localhost:3002"`
	ShippingURL         string        `env:"ORDERFLOW_SHIPPING_URL" envDefault:"http://localhost:3002"`
	CollaboratorTimeout time.Duration `env:"ORDERFLOW_COLLABORATOR_TIMEOUT" envDefault:"10s"`
	CollaboratorRate    float64       `env:"ORDERFLOW_COLLABORATOR_RATE" envDefault:"0"`
	CollaboratorBurst   int           `env:"ORDERFLOW_COLLABORATOR_BURST" envDefault:"1"`

	ApprovalThreshold float64       `env:"ORDERFLOW_APPROVAL_THRESHOLD" envDefault:"1000"`
	ApprovalTimeout   time.Duration `env:"ORDERFLOW_APPROVAL_TIMEOUT" envDefault:"24h"`

	Notifier            string `env:"ORDERFLOW_NOTIFIER" envDefault:"log"`
	NotificationChannel string `env:"ORDERFLOW_NOTIFICATION_CHANNEL" envDefault:"notifications"`

	LogLevel     string `env:"ORDERFLOW_LOG_LEVEL" envDefault:"info"`
	OTelEndpoint string `env:"ORDERFLOW_OTEL_ENDPOINT"`
}

// Load parses the environment and then args. It validates the result.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "instance store (memory, sqlite, postgres, redis, mongo)")
	fs.StringVar(&cfg.Queue, "queue", cfg.Queue, "task queue (memory, sqlite, postgres, redis, mongo)")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI, "MongoDB connection URI")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of worker goroutines")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "how often to re-drive stalled orders (0 disables)")
	fs.StringVar(&cfg.InventoryURL, "inventory-url", cfg.InventoryURL, "inventory service base URL")
	fs.StringVar(&cfg.PaymentsURL, "payments-url", cfg.PaymentsURL, "payment service base URL")
	fs.StringVar(&cfg.ShippingURL, "shipping-url", cfg.ShippingURL, "shipping service base URL")
	fs.Float64Var(&cfg.ApprovalThreshold, "approval-threshold", cfg.ApprovalThreshold, "order total that requires approval")
	fs.DurationVar(&cfg.ApprovalTimeout, "approval-timeout", cfg.ApprovalTimeout, "how long to wait for an approval")
	fs.StringVar(&cfg.Notifier, "notifier", cfg.Notifier, "notification sink (log, redis)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.Queue = strings.ToLower(strings.TrimSpace(cfg.Queue))
	cfg.Notifier = strings.ToLower(strings.TrimSpace(cfg.Notifier))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case DriverMemory, DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Queue {
	case DriverMemory, DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
	default:
		errs = append(errs, fmt.Errorf("unknown queue %q", c.Queue))
	}
	if c.Store == DriverMemory && c.Queue != DriverMemory {
		errs = append(errs, errors.New("a memory store needs a memory queue"))
	}
	if (c.Store == DriverPostgres || c.Queue == DriverPostgres) && c.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres requires ORDERFLOW_POSTGRES_DSN"))
	}
	switch c.Notifier {
	case NotifierLog, NotifierRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown notifier %q", c.Notifier))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep interval must not be negative"))
	}
	if c.SweepInterval > 0 && c.SweepStaleAfter <= 0 {
		errs = append(errs, errors.New("sweep stale-after must be positive"))
	}
	if c.ApprovalTimeout <= 0 {
		errs = append(errs, errors.New("approval timeout must be positive"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel converts LogLevel to a slog.Level.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}
