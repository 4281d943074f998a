package collab

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/orderflow/internal/saga"
)

// Shipping ships orders unless it has been deactivated.
type Shipping struct {
	logger      *slog.Logger
	delay       time.Duration
	deactivated atomic.Bool
}

// Routes registers the shipping endpoints.
func (s *Shipping) Routes(r chi.Router) {
	r.Post("/shipping/ship", s.handleShip)
	r.Post("/shipping/deactivate", s.handleDeactivate)
	r.Post("/shipping/activate", s.handleActivate)
}

// SetActive toggles the service; a deactivated service answers 503.
func (s *Shipping) SetActive(active bool) {
	s.deactivated.Store(!active)
}

func (s *Shipping) handleShip(w http.ResponseWriter, r *http.Request) {
	if s.deactivated.Load() {
		http.Error(w, "The shipping service is currently deactivated for routine maintenance.", http.StatusServiceUnavailable)
		return
	}
	var order saga.Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		http.Error(w, "invalid order", http.StatusBadRequest)
		return
	}
	s.logger.InfoContext(r.Context(), "shipping order", slog.String("order_id", order.ID))
	simulateWork(r.Context(), s.delay)
	w.WriteHeader(http.StatusOK)
}

func (s *Shipping) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.SetActive(false)
	s.logger.WarnContext(r.Context(), "The shipping service has been deactivated for routine maintenance.")
	w.WriteHeader(http.StatusOK)
}

func (s *Shipping) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.SetActive(true)
	s.logger.InfoContext(r.Context(), "The shipping service has been (re)activated.")
	w.WriteHeader(http.StatusOK)
}
