package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/orderflow/internal/collab"
	"github.com/petrijr/orderflow/internal/config"
	"github.com/petrijr/orderflow/internal/saga"
	"github.com/petrijr/orderflow/pkg/api"
)

type OrderFlowSuite struct {
	suite.Suite

	services *collab.Services
	collab   *httptest.Server
	app      *App
	gateway  *httptest.Server
	cancel   context.CancelFunc
	done     chan error
}

func TestOrderFlowSuite(t *testing.T) {
	suite.Run(t, new(OrderFlowSuite))
}

func testConfig(collabURL string) config.Config {
	return config.Config{
		Store:               config.DriverMemory,
		Queue:               config.DriverMemory,
		Workers:             2,
		TaskMaxAttempts:     3,
		TaskBackoff:         10 * time.Millisecond,
		TaskMaxBackoff:      100 * time.Millisecond,
		StartupTimeout:      time.Second,
		ShutdownTimeout:     time.Second,
		InventoryURL:        collabURL,
		PaymentsURL:         collabURL,
		ShippingURL:         collabURL,
		CollaboratorTimeout: 5 * time.Second,
		ApprovalThreshold:   1000,
		ApprovalTimeout:     time.Hour,
		Notifier:            config.NotifierLog,
		LogLevel:            "info",
	}
}

func newCollaborators(t *testing.T) *collab.Services {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := collab.New(context.Background(), db, collab.Config{Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	return s
}

func (s *OrderFlowSuite) SetupTest() {
	s.services = newCollaborators(s.T())
	s.collab = httptest.NewServer(s.services.Handler())

	app, err := New(context.Background(), testConfig(s.collab.URL), slog.New(slog.DiscardHandler))
	s.Require().NoError(err)
	s.app = app
	s.gateway = httptest.NewServer(app.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- app.RunWorkers(ctx) }()
}

func (s *OrderFlowSuite) TearDownTest() {
	s.cancel()
	s.Require().NoError(<-s.done)
	s.gateway.Close()
	s.collab.Close()
	s.Require().NoError(s.app.Close(context.Background()))
}

func (s *OrderFlowSuite) post(path string, body any) *http.Response {
	data, err := json.Marshal(body)
	s.Require().NoError(err)
	resp, err := http.Post(s.gateway.URL+path, "application/json", bytes.NewReader(data))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *OrderFlowSuite) submit(customer string, items []string, total float64) string {
	resp := s.post("/orders", map[string]any{"customer": customer, "items": items, "total": total})
	s.Require().Equal(http.StatusAccepted, resp.StatusCode)
	var body struct {
		ID string `json:"id"`
	}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))
	s.Require().NotEmpty(body.ID)
	return body.ID
}

type orderStatus struct {
	Status      api.Status          `json:"status"`
	OrderResult *saga.OrderResult   `json:"order_result"`
	Failure     *api.FailureDetails `json:"failure_details"`
}

func (s *OrderFlowSuite) fetch(id string) (orderStatus, error) {
	var out orderStatus
	resp, err := http.Get(s.gateway.URL + "/orders/" + id)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("GET /orders/%s: %s", id, resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

func (s *OrderFlowSuite) get(id string) orderStatus {
	out, err := s.fetch(id)
	s.Require().NoError(err)
	return out
}

func (s *OrderFlowSuite) waitFor(id string, status api.Status) orderStatus {
	var last orderStatus
	s.Require().Eventually(func() bool {
		got, err := s.fetch(id)
		if err != nil {
			return false
		}
		last = got
		return last.Status == status
	}, 5*time.Second, 10*time.Millisecond, "order %s never reached %s", id, status)
	return last
}

func (s *OrderFlowSuite) TestSmallOrderCompletes() {
	id := s.submit("Alice", []string{"milk", "bread"}, 999.99)

	st := s.waitFor(id, api.StatusCompleted)
	s.Require().NotNil(st.OrderResult)
	s.True(st.OrderResult.Success)
	s.Equal("Order processed successfully", st.OrderResult.Message)
	s.Equal(1, s.services.Payments.Charges(id))
	s.Equal(0, s.services.Payments.Refunds(id))

	stock, err := s.services.Inventory.Stock(context.Background())
	s.Require().NoError(err)
	s.Equal(9, stock["milk"])

	s.Eventually(func() bool {
		return s.app.Metrics().WorkflowsCompleted == 1
	}, time.Second, 10*time.Millisecond)
}

func (s *OrderFlowSuite) TestLargeOrderWaitsForApproval() {
	id := s.submit("Bob", []string{"iPhone"}, 2500)

	s.Require().Eventually(func() bool {
		inst, err := s.app.Engine().GetInstance(context.Background(), id)
		if err != nil {
			return false
		}
		for _, ev := range inst.History {
			if ev.Type == api.EventTimerCreated {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	s.Equal(api.StatusRunning, s.get(id).Status)
	s.Equal(0, s.services.Payments.Charges(id))

	resp := s.post("/orders/"+id+"/approve", map[string]any{"approver": "carol", "approved": true})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	st := s.waitFor(id, api.StatusCompleted)
	s.True(st.OrderResult.Success)
	s.Equal(1, s.services.Payments.Charges(id))

	resp = s.post("/orders/"+id+"/approve", map[string]any{"approver": "carol", "approved": true})
	s.Equal(http.StatusConflict, resp.StatusCode)
}

func (s *OrderFlowSuite) TestRejectedOrderFails() {
	id := s.submit("Dan", []string{"apples"}, 1000)
	resp := s.post("/orders/"+id+"/approve", map[string]any{"approver": "erin", "approved": false})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	st := s.waitFor(id, api.StatusFailed)
	s.Require().NotNil(st.OrderResult)
	s.False(st.OrderResult.Success)
	s.Equal(0, s.services.Payments.Charges(id))
}

func (s *OrderFlowSuite) TestShippingOutageRefundsOnce() {
	s.services.Shipping.SetActive(false)
	id := s.submit("Frank", []string{"oranges"}, 20)

	st := s.waitFor(id, api.StatusFailed)
	s.Require().NotNil(st.Failure)
	s.Contains(st.Failure.Message, "shipping")
	s.Equal(1, s.services.Payments.Charges(id))
	s.Equal(1, s.services.Payments.Refunds(id))
}

func (s *OrderFlowSuite) TestOutOfStockFailsWithoutCharging() {
	id := s.submit("Grace", []string{"unicorn"}, 10)

	st := s.waitFor(id, api.StatusFailed)
	s.Require().NotNil(st.OrderResult)
	s.Equal("Out of stock", st.OrderResult.Message)
	s.Equal(0, s.services.Payments.Charges(id))
}

func (s *OrderFlowSuite) TestCustomerWithSlashIsRoutable() {
	resp := s.post("/orders", map[string]any{"customer": "Acme/EU", "items": []string{"milk"}, "total": 5})
	s.Require().Equal(http.StatusAccepted, resp.StatusCode)
	location := resp.Header.Get("Location")
	s.Require().Regexp(`^/orders/order_acme-eu_[a-z0-9]{5}$`, location)

	id := strings.TrimPrefix(location, "/orders/")
	st := s.waitFor(id, api.StatusCompleted)
	s.True(st.OrderResult.Success)
}

func TestApp_ResumesOrdersAfterRestart(t *testing.T) {
	services := newCollaborators(t)
	srv := httptest.NewServer(services.Handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Store = config.DriverSQLite
	cfg.Queue = config.DriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "orderflow.db")
	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	first, err := New(ctx, cfg, logger)
	require.NoError(t, err)
	inst, err := first.Engine().Start(ctx, saga.WorkflowName, "order_restart_1", saga.Order{
		ID: "order_restart_1", Customer: "Heidi", Items: []string{"bread"}, Total: 5,
	})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second, err := New(ctx, cfg, logger)
	require.NoError(t, err)
	defer func() { require.NoError(t, second.Close(ctx)) }()
	require.NoError(t, second.Recover(ctx))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- second.RunWorkers(runCtx) }()

	require.Eventually(t, func() bool {
		got, err := second.Engine().GetInstance(ctx, inst.ID)
		return err == nil && got.Status == api.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 1, services.Payments.Charges(inst.ID))
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.SweepStaleAfter = time.Minute

	app, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer app.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, app.Run(ctx))
}

func TestNew_UnreachableBackendFails(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Store = config.DriverRedis
	cfg.Queue = config.DriverRedis
	cfg.RedisAddr = "127.0.0.1:1"
	cfg.StartupTimeout = 200 * time.Millisecond

	_, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.ErrorContains(t, err, "connect redis")
}
