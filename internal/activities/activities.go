// Package activities implements the side-effecting steps of the order saga:
// calls to the inventory, payment and shipping collaborators and order
// notifications.
package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/petrijr/orderflow/internal/saga"
	"github.com/petrijr/orderflow/pkg/api"
)

// Registrar is the part of the engine activities register with.
type Registrar interface {
	RegisterActivity(def api.ActivityDefinition) error
}

// Activities bundles the collaborator clients.
type Activities struct {
	Inventory *Client
	Payments  *Client
	Shipping  *Client
	Notifier  Notifier
	Logger    *slog.Logger
}

// Register registers every saga activity with r.
func (a *Activities) Register(r Registrar) error {
	defs := []api.ActivityDefinition{
		{Name: saga.ActivityNotify, Fn: a.Notify},
		{Name: saga.ActivityReserveInventory, Fn: a.ReserveInventory},
		{Name: saga.ActivityChargePayment, Fn: a.ChargePayment},
		{Name: saga.ActivityRefundPayment, Fn: a.RefundPayment},
		{Name: saga.ActivityShipOrder, Fn: a.ShipOrder},
	}
	for _, def := range defs {
		if err := r.RegisterActivity(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

func (a *Activities) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func decodeOrder(input json.RawMessage) (saga.Order, error) {
	var order saga.Order
	if err := json.Unmarshal(input, &order); err != nil {
		return saga.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return order, nil
}

// Notify sends a notification through the configured Notifier.
func (a *Activities) Notify(ctx context.Context, input json.RawMessage) (any, error) {
	var n saga.Notification
	if err := json.Unmarshal(input, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	a.logger().InfoContext(ctx, "sending notification", slog.String("order_id", n.OrderID), slog.String("message", n.Message))
	if a.Notifier == nil {
		return nil, nil
	}
	return nil, a.Notifier.Notify(ctx, n)
}

// ReserveInventory asks the inventory service to reserve the order items.
// An out-of-stock answer is a successful call with Success false.
func (a *Activities) ReserveInventory(ctx context.Context, input json.RawMessage) (any, error) {
	order, err := decodeOrder(input)
	if err != nil {
		return nil, err
	}
	a.logger().InfoContext(ctx, "reserving inventory", slog.String("order_id", order.ID), slog.Any("items", order.Items))

	var res saga.InventoryResult
	if err := a.Inventory.Post(ctx, "/inventory/reserve", order, &res); err != nil {
		return nil, err
	}
	a.logger().InfoContext(ctx, "inventory result",
		slog.String("order_id", order.ID),
		slog.Bool("success", res.Success),
		slog.String("message", res.Message),
	)
	return res, nil
}

// ChargePayment charges the order total.
func (a *Activities) ChargePayment(ctx context.Context, input json.RawMessage) (any, error) {
	return a.postOrder(ctx, input, a.Payments, "/payments/charge", "submitting payment")
}

// RefundPayment refunds a previous charge.
func (a *Activities) RefundPayment(ctx context.Context, input json.RawMessage) (any, error) {
	return a.postOrder(ctx, input, a.Payments, "/payments/refund", "refunding payment")
}

// ShipOrder submits the order for shipping.
func (a *Activities) ShipOrder(ctx context.Context, input json.RawMessage) (any, error) {
	return a.postOrder(ctx, input, a.Shipping, "/shipping/ship", "submitting order to shipping")
}

func (a *Activities) postOrder(ctx context.Context, input json.RawMessage, c *Client, path, what string) (any, error) {
	order, err := decodeOrder(input)
	if err != nil {
		return nil, err
	}
	a.logger().InfoContext(ctx, what, slog.String("order_id", order.ID))
	if err := c.Post(ctx, path, order, nil); err != nil {
		return nil, err
	}
	return nil, nil
}
