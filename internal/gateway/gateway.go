// Package gateway exposes the order saga over HTTP: order submission,
// status queries and approvals.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petrijr/orderflow/internal/saga"
	"github.com/petrijr/orderflow/pkg/api"
)

// Engine is the part of the orchestrator the gateway uses.
type Engine interface {
	Start(ctx context.Context, name string, id string, input any) (*api.WorkflowInstance, error)
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error)
	RaiseEvent(ctx context.Context, id string, name string, payload json.RawMessage) error
}

// Server serves the order API.
type Server struct {
	engine Engine
	logger *slog.Logger
	newID  func(customer string) (string, error)
	terms  saga.Config
}

// Option configures a Server.
type Option func(*Server)

// WithIDGenerator replaces the order id generator.
func WithIDGenerator(fn func(customer string) (string, error)) Option {
	return func(s *Server) { s.newID = fn }
}

// WithSagaConfig sets the saga parameters recorded with each new order.
func WithSagaConfig(cfg saga.Config) Option {
	return func(s *Server) { s.terms = cfg }
}

// New creates a Server. A nil logger uses slog.Default().
func New(engine Engine, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: engine,
		logger: logger,
		newID:  NewOrderID,
		terms:  saga.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHealth)
	r.Get("/healthz", s.handleHealth)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", s.handleSubmitOrder)
		r.Get("/", s.handleListOrders)
		r.Route("/{orderID}", func(r chi.Router) {
			r.Get("/", s.handleGetOrder)
			r.Get("/history", s.handleGetHistory)
			r.Post("/approve", s.handleApprove)
		})
	})
	return r
}

// requestLogger logs one line per request with slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Hello from orderflow"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
