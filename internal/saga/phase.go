package saga

import (
	"fmt"
	"slices"
)

// Phase is a state of the order saga.
type Phase string

const (
	PhaseStarted            Phase = "Started"
	PhaseInventoryReserving Phase = "InventoryReserving"
	PhaseInventoryFailed    Phase = "InventoryFailed"
	PhaseInventoryReserved  Phase = "InventoryReserved"
	PhaseAwaitingApproval   Phase = "AwaitingApproval"
	PhaseApprovalTimedOut   Phase = "ApprovalTimedOut"
	PhaseApprovalRejected   Phase = "ApprovalRejected"
	PhaseApprovalGranted    Phase = "ApprovalGranted"
	PhasePaymentSubmitting  Phase = "PaymentSubmitting"
	PhasePaymentFailed      Phase = "PaymentFailed"
	PhaseShippingSubmitting Phase = "ShippingSubmitting"
	PhaseShippingFailed     Phase = "ShippingFailed"
	PhaseRefunding          Phase = "Refunding"
	PhaseFailed             Phase = "Failed"
	PhaseShippingSucceeded  Phase = "ShippingSucceeded"
	PhaseCompleted          Phase = "Completed"
)

// transitions lists, per phase, the phases it may move to. Phases with no
// entry are terminal.
var transitions = map[Phase][]Phase{
	PhaseStarted:            {PhaseInventoryReserving},
	PhaseInventoryReserving: {PhaseInventoryFailed, PhaseInventoryReserved},
	PhaseInventoryReserved:  {PhaseAwaitingApproval, PhasePaymentSubmitting},
	PhaseAwaitingApproval:   {PhaseApprovalTimedOut, PhaseApprovalRejected, PhaseApprovalGranted},
	PhaseApprovalGranted:    {PhasePaymentSubmitting},
	PhasePaymentSubmitting:  {PhasePaymentFailed, PhaseShippingSubmitting},
	PhaseShippingSubmitting: {PhaseShippingFailed, PhaseShippingSucceeded},
	PhaseShippingFailed:     {PhaseRefunding},
	PhaseRefunding:          {PhaseFailed},
	PhaseShippingSucceeded:  {PhaseCompleted},
}

// Terminal reports whether the saga ends in this phase.
func (p Phase) Terminal() bool {
	_, ok := transitions[p]
	return !ok
}

// CanTransition reports whether to is reachable from p in one step.
func (p Phase) CanTransition(to Phase) bool {
	return slices.Contains(transitions[p], to)
}

func checkTransition(from, to Phase) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("invalid saga transition %s -> %s", from, to)
	}
	return nil
}
