package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowName is the name the order saga is registered under.
const WorkflowName = "process-order"

// Activity names scheduled by the saga.
const (
	ActivityNotify           = "notify"
	ActivityReserveInventory = "inventory-reserve"
	ActivityChargePayment    = "payment-charge"
	ActivityRefundPayment    = "payment-refund"
	ActivityShipOrder        = "shipping-ship"
)

// EventApproval is the external event an approver raises.
const EventApproval = "approval"

// Order is the saga input.
type Order struct {
	ID       string   `json:"id"`
	Customer string   `json:"customer"`
	Items    []string `json:"items"`
	Total    float64  `json:"total"`
}

// InventoryResult is returned by the inventory collaborator.
type InventoryResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// OrderResult is the saga output.
type OrderResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Approval is the payload of the approval event.
type Approval struct {
	Approver string `json:"approver"`
	Approved bool   `json:"approved"`
}

// Notification is the input of the notify activity.
type Notification struct {
	OrderID string `json:"order_id"`
	Message string `json:"message"`
}

// Config holds the business parameters of the saga.
type Config struct {
	// ApprovalThreshold is the order total at and above which a human
	// approval is required.
	ApprovalThreshold float64 `json:"approval_threshold"`

	// ApprovalTimeout is how long the saga waits for an approval.
	ApprovalTimeout time.Duration `json:"approval_timeout"`
}

// DefaultConfig returns the reference parameters: 1000.0 and 24 hours.
func DefaultConfig() Config {
	return Config{
		ApprovalThreshold: 1000.0,
		ApprovalTimeout:   24 * time.Hour,
	}
}

// Input is the instance input of the saga. Terms pins the parameters in
// force when the order was submitted, so replays of in-flight orders do not
// depend on the current configuration.
type Input struct {
	Order Order   `json:"order"`
	Terms *Config `json:"terms,omitempty"`
}

// DecodeInput reads an instance input. A bare Order, as stored before terms
// were recorded, runs under fallback.
func DecodeInput(data []byte, fallback Config) (Order, Config, error) {
	var in struct {
		Order *Order  `json:"order"`
		Terms *Config `json:"terms"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return Order{}, Config{}, fmt.Errorf("decode order: %w", err)
	}
	if in.Order == nil {
		var order Order
		if err := json.Unmarshal(data, &order); err != nil {
			return Order{}, Config{}, fmt.Errorf("decode order: %w", err)
		}
		return order, fallback, nil
	}
	cfg := fallback
	if in.Terms != nil {
		cfg = *in.Terms
	}
	return *in.Order, cfg, nil
}
