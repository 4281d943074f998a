package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/saga"
	"github.com/petrijr/orderflow/pkg/api"
)

// maxIDAttempts bounds retries when a generated id is already taken.
const maxIDAttempts = 3

type submitRequest struct {
	Customer string   `json:"customer"`
	Items    []string `json:"items"`
	Total    float64  `json:"total"`
}

type submitResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// orderView is the status document of GET /orders/{id}.
type orderView struct {
	ID              string              `json:"id"`
	Details         saga.Order          `json:"details"`
	Status          api.Status          `json:"status"`
	CreatedTime     string              `json:"created_time"`
	LastUpdatedTime string              `json:"last_updated_time"`
	OrderResult     *saga.OrderResult   `json:"order_result,omitempty"`
	FailureDetails  *api.FailureDetails `json:"failure_details,omitempty"`
}

type summaryView struct {
	ID              string     `json:"id"`
	Status          api.Status `json:"status"`
	CreatedTime     string     `json:"created_time"`
	LastUpdatedTime string     `json:"last_updated_time"`
}

type approveRequest struct {
	Approver string `json:"approver"`
	Approved *bool  `json:"approved"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// handleSubmitOrder: POST /orders
func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var in submitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, `Invalid request. Should be in the form of {"customer": "joe", "items": ["apples", "oranges"], "total": 100.0}`, http.StatusBadRequest)
		return
	}
	switch {
	case in.Customer == "":
		http.Error(w, "Missing customer name", http.StatusBadRequest)
		return
	case len(in.Items) == 0:
		http.Error(w, "Missing items", http.StatusBadRequest)
		return
	case in.Total <= 0:
		http.Error(w, "Missing total", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	order := saga.Order{Customer: in.Customer, Items: in.Items, Total: in.Total}
	terms := s.terms
	var err error
	for range maxIDAttempts {
		order.ID, err = s.newID(in.Customer)
		if err != nil {
			break
		}
		_, err = s.engine.Start(ctx, saga.WorkflowName, order.ID, saga.Input{Order: order, Terms: &terms})
		if !errors.Is(err, persistence.ErrInstanceExists) {
			break
		}
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "start order failed", slog.String("customer", in.Customer), slog.Any("error", err))
		http.Error(w, "failed to start order", http.StatusInternalServerError)
		return
	}

	s.logger.InfoContext(ctx, "started workflow instance", slog.String("instance_id", order.ID))
	w.Header().Set("Location", "/orders/"+order.ID)
	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:      order.ID,
		Message: fmt.Sprintf("Order received. ID = '%s'", order.ID),
	})
}

// lookup writes 404 or 500 and returns nil when the instance is unavailable.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *api.WorkflowInstance {
	id := chi.URLParam(r, "orderID")
	inst, err := s.engine.GetInstance(r.Context(), id)
	if errors.Is(err, api.ErrInstanceNotFound) {
		http.Error(w, "Order not found: "+id, http.StatusNotFound)
		return nil
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "get instance failed", slog.String("instance_id", id), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil
	}
	return inst
}

// handleGetOrder: GET /orders/{orderID}
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	inst := s.lookup(w, r)
	if inst == nil {
		return
	}

	v := orderView{
		ID:              inst.ID,
		Status:          inst.Status,
		CreatedTime:     formatTime(inst.CreatedAt),
		LastUpdatedTime: formatTime(inst.UpdatedAt),
		FailureDetails:  inst.Failure,
	}
	details, _, err := saga.DecodeInput(inst.Input, s.terms)
	if err != nil {
		s.logger.WarnContext(r.Context(), "undecodable order input", slog.String("instance_id", inst.ID), slog.Any("error", err))
	}
	v.Details = details
	if len(inst.Output) > 0 && string(inst.Output) != "null" {
		var res saga.OrderResult
		if err := json.Unmarshal(inst.Output, &res); err == nil {
			v.OrderResult = &res
		}
	}
	writeJSON(w, http.StatusOK, v)
}

// handleGetHistory: GET /orders/{orderID}/history
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	inst := s.lookup(w, r)
	if inst == nil {
		return
	}
	history := inst.History
	if history == nil {
		history = []api.HistoryEvent{}
	}
	writeJSON(w, http.StatusOK, history)
}

// handleListOrders: GET /orders?status=RUNNING
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	opts := api.InstanceListOptions{WorkflowName: saga.WorkflowName}
	if q := r.URL.Query().Get("status"); q != "" {
		status := api.Status(strings.ToUpper(q))
		switch status {
		case api.StatusRunning, api.StatusCompleted, api.StatusFailed:
			opts.Status = status
		default:
			http.Error(w, "unknown status: "+q, http.StatusBadRequest)
			return
		}
	}

	instances, err := s.engine.ListInstances(r.Context(), opts)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list instances failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]summaryView, 0, len(instances))
	for _, inst := range instances {
		out = append(out, summaryView{
			ID:              inst.ID,
			Status:          inst.Status,
			CreatedTime:     formatTime(inst.CreatedAt),
			LastUpdatedTime: formatTime(inst.UpdatedAt),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleApprove: POST /orders/{orderID}/approve
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderID")

	var in approveRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, `Invalid request. Should be in the form of {"approver": "joe", "approved": true}`, http.StatusBadRequest)
		return
	}
	if in.Approver == "" {
		http.Error(w, "Missing approver name", http.StatusBadRequest)
		return
	}
	if in.Approved == nil {
		http.Error(w, "Missing approved flag", http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(saga.Approval{Approver: in.Approver, Approved: *in.Approved})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	err = s.engine.RaiseEvent(r.Context(), id, saga.EventApproval, payload)
	switch {
	case errors.Is(err, api.ErrInstanceNotFound):
		http.Error(w, "Order not found: "+id, http.StatusNotFound)
		return
	case errors.Is(err, api.ErrInstanceTerminal):
		http.Error(w, "Order already finished: "+id, http.StatusConflict)
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "raise approval failed", slog.String("instance_id", id), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "Approval sent for order: %s", id)
}
