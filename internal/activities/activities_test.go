package activities

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/orderflow/internal/saga"
	"github.com/petrijr/orderflow/pkg/api"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
	body  []byte
}

func (r *recorder) handler(status int, reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.paths = append(r.paths, req.URL.Path)
		r.body = body
		r.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

var testOrder = saga.Order{ID: "order_joe_x1y2z", Customer: "joe", Items: []string{"milk"}, Total: 12.5}

func TestReserveInventory_DecodesResult(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK, `{"id":"order_joe_x1y2z","success":false,"message":"Out of stock"}`))
	defer srv.Close()

	a := &Activities{Inventory: NewClient(ClientConfig{Service: "inventory", BaseURL: srv.URL + "/"})}
	out, err := a.ReserveInventory(context.Background(), mustJSON(t, testOrder))
	require.NoError(t, err)
	require.Equal(t, saga.InventoryResult{ID: testOrder.ID, Success: false, Message: "Out of stock"}, out)
	require.Equal(t, []string{"/inventory/reserve"}, rec.paths)

	var sent saga.Order
	require.NoError(t, json.Unmarshal(rec.body, &sent))
	require.Equal(t, testOrder, sent)
}

func TestShipOrder_Non2xxBecomesCallError(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusServiceUnavailable, "The shipping service is currently deactivated for routine maintenance.\n"))
	defer srv.Close()

	a := &Activities{Shipping: NewClient(ClientConfig{Service: "shipping", BaseURL: srv.URL})}
	_, err := a.ShipOrder(context.Background(), mustJSON(t, testOrder))
	require.Error(t, err)

	var ce *CallError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, http.StatusServiceUnavailable, ce.StatusCode)
	require.Equal(t,
		"Error calling shipping service: 503: The shipping service is currently deactivated for routine maintenance.",
		err.Error())
}

func TestPayments_ChargeAndRefundPaths(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK, ""))
	defer srv.Close()

	a := &Activities{Payments: NewClient(ClientConfig{Service: "payment", BaseURL: srv.URL, RateLimit: 100, Burst: 2})}
	_, err := a.ChargePayment(context.Background(), mustJSON(t, testOrder))
	require.NoError(t, err)
	_, err = a.RefundPayment(context.Background(), mustJSON(t, testOrder))
	require.NoError(t, err)
	require.Equal(t, []string{"/payments/charge", "/payments/refund"}, rec.paths)
}

func TestActivities_RejectMalformedInput(t *testing.T) {
	a := &Activities{}
	_, err := a.ChargePayment(context.Background(), json.RawMessage(`[1,2`))
	require.Error(t, err)
	_, err = a.Notify(context.Background(), json.RawMessage(`"nope"`))
	require.Error(t, err)
}

type captureNotifier struct {
	got []saga.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n saga.Notification) error {
	c.got = append(c.got, n)
	return nil
}

func TestNotify_UsesNotifier(t *testing.T) {
	n := &captureNotifier{}
	a := &Activities{Notifier: n}
	msg := saga.Notification{OrderID: "o1", Message: "Payment refunded"}
	_, err := a.Notify(context.Background(), mustJSON(t, msg))
	require.NoError(t, err)
	require.Equal(t, []saga.Notification{msg}, n.got)

	require.NoError(t, NewLogNotifier(nil).Notify(context.Background(), msg))
}

type registrar struct {
	names []string
}

func (r *registrar) RegisterActivity(def api.ActivityDefinition) error {
	r.names = append(r.names, def.Name)
	return nil
}

func TestRegister_AllSagaActivities(t *testing.T) {
	r := &registrar{}
	require.NoError(t, (&Activities{}).Register(r))
	require.ElementsMatch(t, []string{
		saga.ActivityNotify,
		saga.ActivityReserveInventory,
		saga.ActivityChargePayment,
		saga.ActivityRefundPayment,
		saga.ActivityShipOrder,
	}, r.names)
}
