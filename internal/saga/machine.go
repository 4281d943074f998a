package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// Definition returns the workflow definition of the order saga.
func Definition(cfg Config) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: WorkflowName,
		New: func(input json.RawMessage, startedAt time.Time) (api.Machine, error) {
			order, terms, err := DecodeInput(input, cfg)
			if err != nil {
				return nil, err
			}
			return New(terms, order, startedAt), nil
		},
	}
}

// Machine is the order saga. Every wait is a Command; every step reacts to
// the recorded Outcome, so a replay over the same history walks the same
// phases.
type Machine struct {
	cfg   Config
	order Order
	phase Phase
	now   time.Time

	// notice is a pending notification. It is sent before the phase's own
	// command and its outcome is ignored.
	notice string

	deadline time.Time
	result   OrderResult
	failure  *api.FailureDetails

	// shipErr keeps the shipping failure across the refund.
	shipErr *api.FailureDetails
}

var _ api.Machine = (*Machine)(nil)

// New creates a saga for order, started at startedAt.
func New(cfg Config, order Order, startedAt time.Time) *Machine {
	return &Machine{
		cfg:    cfg,
		order:  order,
		phase:  PhaseStarted,
		now:    startedAt,
		notice: fmt.Sprintf("Received order for %s: %s. Total = %s", order.Customer, formatItems(order.Items), formatAmount(order.Total)),
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// Deadline returns the approval deadline, zero until AwaitingApproval.
func (m *Machine) Deadline() time.Time {
	return m.deadline
}

func (m *Machine) Next() api.Command {
	if m.notice != "" {
		return api.CallActivity(ActivityNotify, Notification{OrderID: m.order.ID, Message: m.notice})
	}
	switch m.phase {
	case PhaseInventoryReserving:
		return api.CallActivity(ActivityReserveInventory, m.order)
	case PhaseAwaitingApproval:
		return api.AwaitEvent(EventApproval, m.deadline)
	case PhasePaymentSubmitting:
		return api.CallActivity(ActivityChargePayment, m.order)
	case PhaseShippingSubmitting:
		return api.CallActivity(ActivityShipOrder, m.order)
	case PhaseRefunding:
		return api.CallActivity(ActivityRefundPayment, m.order)
	}
	return api.Complete(m.result, m.failure)
}

func (m *Machine) Resume(out api.Outcome) error {
	m.now = out.At
	if m.notice != "" {
		// Notifications are best-effort.
		m.notice = ""
		return m.settle()
	}

	var err error
	switch m.phase {
	case PhaseInventoryReserving:
		err = m.onInventory(out)
	case PhaseAwaitingApproval:
		err = m.onApproval(out)
	case PhasePaymentSubmitting:
		err = m.onPayment(out)
	case PhaseShippingSubmitting:
		err = m.onShipping(out)
	case PhaseRefunding:
		err = m.onRefund(out)
	default:
		return fmt.Errorf("saga in phase %s has nothing to resume", m.phase)
	}
	if err != nil {
		return err
	}
	return m.settle()
}

// enter moves to phase to and queues an optional notification.
func (m *Machine) enter(to Phase, notice string) error {
	if err := checkTransition(m.phase, to); err != nil {
		return err
	}
	m.phase = to
	m.notice = notice
	return nil
}

// fail records the terminal result of a failed order.
func (m *Machine) fail(message, errorType string) {
	m.result = OrderResult{ID: m.order.ID, Success: false, Message: message}
	m.failure = &api.FailureDetails{Message: message, ErrorType: errorType}
}

// settle walks through phases that issue no command of their own until the
// saga waits on something.
func (m *Machine) settle() error {
	for m.notice == "" {
		var err error
		switch m.phase {
		case PhaseStarted:
			err = m.enter(PhaseInventoryReserving, "")
		case PhaseInventoryReserved:
			if m.order.Total >= m.cfg.ApprovalThreshold {
				m.deadline = m.now.Add(m.cfg.ApprovalTimeout)
				err = m.enter(PhaseAwaitingApproval, fmt.Sprintf("Waiting for approval since order >= %s. Deadline = %s.",
					formatAmount(m.cfg.ApprovalThreshold), formatTime(m.deadline)))
			} else {
				err = m.enter(PhasePaymentSubmitting, "")
			}
		case PhaseApprovalGranted:
			err = m.enter(PhasePaymentSubmitting, "")
		case PhaseShippingFailed:
			err = m.enter(PhaseRefunding, "")
		case PhaseShippingSucceeded:
			m.result = OrderResult{ID: m.order.ID, Success: true, Message: "Order processed successfully"}
			err = m.enter(PhaseCompleted, "")
		default:
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) onInventory(out api.Outcome) error {
	if out.Err != nil {
		m.fail(out.Err.Message, api.ErrorTypeInventory)
		return m.enter(PhaseInventoryFailed, "Inventory failed for order: "+out.Err.Message)
	}
	var res InventoryResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		m.fail("Invalid inventory response: "+err.Error(), api.ErrorTypeInventory)
		return m.enter(PhaseInventoryFailed, "Inventory failed for order: "+m.failure.Message)
	}
	if !res.Success {
		m.fail(res.Message, api.ErrorTypeInventory)
		return m.enter(PhaseInventoryFailed, "Inventory failed for order: "+res.Message)
	}
	return m.enter(PhaseInventoryReserved, "Reserved inventory for order: "+formatItems(m.order.Items))
}

func (m *Machine) onApproval(out api.Outcome) error {
	if out.TimedOut {
		const message = "Approval deadline expired."
		m.fail(message, api.ErrorTypeApprovalTimeout)
		return m.enter(PhaseApprovalTimedOut, message)
	}
	var approval Approval
	if err := json.Unmarshal(out.Event, &approval); err != nil {
		message := "Invalid approval: " + err.Error()
		m.fail(message, api.ErrorTypeApprovalRejected)
		return m.enter(PhaseApprovalRejected, message)
	}
	if !approval.Approved {
		message := fmt.Sprintf("Order was rejected by %s.", approval.Approver)
		m.fail(message, api.ErrorTypeApprovalRejected)
		return m.enter(PhaseApprovalRejected, message)
	}
	return m.enter(PhaseApprovalGranted, fmt.Sprintf("Order was approved by %s.", approval.Approver))
}

func (m *Machine) onPayment(out api.Outcome) error {
	if out.Err != nil {
		m.fail(out.Err.Message, api.ErrorTypeActivity)
		return m.enter(PhasePaymentFailed, "Error submitting payment: "+out.Err.Message)
	}
	return m.enter(PhaseShippingSubmitting, "Payment was processed successfully")
}

func (m *Machine) onShipping(out api.Outcome) error {
	if out.Err != nil {
		m.shipErr = out.Err
		return m.enter(PhaseShippingFailed, "Error submitting order for shipping: "+out.Err.Message)
	}
	return m.enter(PhaseShippingSucceeded, "Order submitted for shipping")
}

func (m *Machine) onRefund(out api.Outcome) error {
	if m.shipErr == nil {
		return errors.New("refund without a shipping failure")
	}
	// The order fails with the shipping error whatever the refund did.
	m.fail(m.shipErr.Message, api.ErrorTypeActivity)
	if out.Err != nil {
		return m.enter(PhaseFailed, "Payment refund failed: "+out.Err.Message)
	}
	return m.enter(PhaseFailed, "Payment refunded")
}
