// Package collab implements reference inventory, payment and shipping
// services that the order saga calls over HTTP. They are stand-ins for real
// collaborators in development and tests.
package collab

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config configures the reference services.
type Config struct {
	// Delay simulates work on every mutating call.
	Delay  time.Duration
	Logger *slog.Logger
}

// Services bundles the three collaborators.
type Services struct {
	Inventory *Inventory
	Payments  *Payments
	Shipping  *Shipping
}

// New creates the services. The inventory keeps its stock in db.
func New(ctx context.Context, db *sql.DB, cfg Config) (*Services, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inv, err := NewInventory(ctx, db, logger, cfg.Delay)
	if err != nil {
		return nil, err
	}
	return &Services{
		Inventory: inv,
		Payments:  &Payments{logger: logger, delay: cfg.Delay},
		Shipping:  &Shipping{logger: logger, delay: cfg.Delay},
	}, nil
}

// Handler serves all three services from one router.
func (s *Services) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", health)
	r.Get("/healthz", health)
	s.Inventory.Routes(r)
	s.Payments.Routes(r)
	s.Shipping.Routes(r)
	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("Hello from collaborators"))
}

// simulateWork sleeps for d unless ctx ends first.
func simulateWork(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
