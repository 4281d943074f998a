package collab

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/orderflow/internal/saga"
)

type paymentCall struct {
	kind    string
	orderID string
}

// Payments accepts every charge and refund and counts them per order.
type Payments struct {
	logger *slog.Logger
	delay  time.Duration

	mu    sync.Mutex
	calls map[paymentCall]int
}

// Routes registers the payment endpoints.
func (p *Payments) Routes(r chi.Router) {
	r.Post("/payments/charge", p.handle("charge"))
	r.Post("/payments/refund", p.handle("refund"))
}

func (p *Payments) handle(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var order saga.Order
		if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
			http.Error(w, "invalid order", http.StatusBadRequest)
			return
		}
		p.logger.InfoContext(r.Context(), "payment "+kind, slog.String("order_id", order.ID), slog.Float64("total", order.Total))
		simulateWork(r.Context(), p.delay)

		p.mu.Lock()
		if p.calls == nil {
			p.calls = make(map[paymentCall]int)
		}
		p.calls[paymentCall{kind, order.ID}]++
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (p *Payments) count(kind, orderID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[paymentCall{kind, orderID}]
}

// Charges returns how many charges the order received.
func (p *Payments) Charges(orderID string) int {
	return p.count("charge", orderID)
}

// Refunds returns how many refunds the order received.
func (p *Payments) Refunds(orderID string) int {
	return p.count("refund", orderID)
}
