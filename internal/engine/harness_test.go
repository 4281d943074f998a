package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/saga"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
	"github.com/petrijr/orderflow/pkg/worker"
)

var epoch = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	eng    *engineImpl
	store  persistence.InstanceStore
	queue  *taskqueue.InMemoryQueue
	worker *worker.Worker
	clock  *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, persistence.NewInMemoryStore())
}

func newHarnessWithStore(t *testing.T, store persistence.InstanceStore) *harness {
	t.Helper()
	clock := &testClock{now: epoch}
	q := taskqueue.NewInMemoryQueue()
	eng := newEngine(Config{
		Instances: store,
		Queue:     q,
		Clock:     clock.Now,
	})
	return &harness{
		t:      t,
		ctx:    context.Background(),
		eng:    eng,
		store:  store,
		queue:  q,
		worker: worker.NewWithConfig(eng, q, worker.Config{MaxAttempts: 3, Backoff: time.Millisecond}),
		clock:  clock,
	}
}

// drain processes tasks until the queue has nothing due.
func (h *harness) drain() {
	h.t.Helper()
	if _, err := h.worker.ProcessAvailable(h.ctx, 30*time.Millisecond); err != nil {
		h.t.Fatalf("ProcessAvailable failed: %v", err)
	}
}

func (h *harness) instance(id string) *api.WorkflowInstance {
	h.t.Helper()
	inst, err := h.eng.GetInstance(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetInstance(%s) failed: %v", id, err)
	}
	return inst
}

func countEvents(inst *api.WorkflowInstance, typ api.EventType, name string) int {
	n := 0
	for _, ev := range inst.History {
		if ev.Type != typ {
			continue
		}
		if name != "" && ev.Name != name {
			continue
		}
		n++
	}
	return n
}

// findTimer returns the seq of the first timer.created event.
func findTimer(inst *api.WorkflowInstance) (int, bool) {
	for _, ev := range inst.History {
		if ev.Type == api.EventTimerCreated {
			return ev.Seq, true
		}
	}
	return 0, false
}

// scripted is a workflow that issues fixed commands and completes with the
// number of outcomes it saw and whether the last one timed out.
type scripted struct {
	steps []api.Command
	seen  []api.Outcome
}

type scriptedOutput struct {
	Steps    int             `json:"steps"`
	TimedOut bool            `json:"timed_out"`
	Event    json.RawMessage `json:"event,omitempty"`
}

func (m *scripted) Next() api.Command {
	if len(m.seen) < len(m.steps) {
		return m.steps[len(m.seen)]
	}
	out := scriptedOutput{Steps: len(m.seen)}
	if n := len(m.seen); n > 0 {
		out.TimedOut = m.seen[n-1].TimedOut
		out.Event = m.seen[n-1].Event
	}
	return api.Complete(out, nil)
}

func (m *scripted) Resume(out api.Outcome) error {
	m.seen = append(m.seen, out)
	return nil
}

func scriptedWorkflow(name string, steps func(startedAt time.Time) []api.Command) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: name,
		New: func(_ json.RawMessage, startedAt time.Time) (api.Machine, error) {
			return &scripted{steps: steps(startedAt)}, nil
		},
	}
}

// fakeCollaborators stands in for the saga activities.
type fakeCollaborators struct {
	mu    sync.Mutex
	calls map[string]int

	outOfStock  bool
	declineCard bool
	shipDown    bool
	notifyDown  bool
}

func (f *fakeCollaborators) register(t *testing.T, eng api.Engine) {
	t.Helper()
	f.calls = make(map[string]int)
	fn := func(name string, run func(input json.RawMessage) (any, error)) {
		err := eng.RegisterActivity(api.ActivityDefinition{Name: name, Fn: func(_ context.Context, input json.RawMessage) (any, error) {
			f.mu.Lock()
			f.calls[name]++
			f.mu.Unlock()
			return run(input)
		}})
		if err != nil {
			t.Fatalf("RegisterActivity(%s) failed: %v", name, err)
		}
	}
	fn(saga.ActivityNotify, func(json.RawMessage) (any, error) {
		if f.notifyDown {
			return nil, errors.New("pubsub unavailable")
		}
		return nil, nil
	})
	fn(saga.ActivityReserveInventory, func(input json.RawMessage) (any, error) {
		var o saga.Order
		if err := json.Unmarshal(input, &o); err != nil {
			return nil, err
		}
		if f.outOfStock {
			return saga.InventoryResult{ID: o.ID, Success: false, Message: "Out of stock"}, nil
		}
		return saga.InventoryResult{ID: o.ID, Success: true}, nil
	})
	fn(saga.ActivityChargePayment, func(json.RawMessage) (any, error) {
		if f.declineCard {
			return nil, errors.New("Error calling payment service: 402: declined")
		}
		return nil, nil
	})
	fn(saga.ActivityRefundPayment, func(json.RawMessage) (any, error) { return nil, nil })
	fn(saga.ActivityShipOrder, func(json.RawMessage) (any, error) {
		if f.shipDown {
			return nil, errors.New("Error calling shipping service: 503: deactivated")
		}
		return nil, nil
	})
}

func (f *fakeCollaborators) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (h *harness) withSaga() *fakeCollaborators {
	h.t.Helper()
	return h.withSagaConfig(saga.DefaultConfig())
}

func (h *harness) withSagaConfig(cfg saga.Config) *fakeCollaborators {
	h.t.Helper()
	if err := h.eng.RegisterWorkflow(saga.Definition(cfg)); err != nil {
		h.t.Fatalf("RegisterWorkflow failed: %v", err)
	}
	f := &fakeCollaborators{}
	f.register(h.t, h.eng)
	return f
}

func (h *harness) startOrder(id string, total float64) {
	h.t.Helper()
	order := saga.Order{ID: id, Customer: "joe", Items: []string{"milk", "iPhone"}, Total: total}
	if _, err := h.eng.Start(h.ctx, saga.WorkflowName, id, order); err != nil {
		h.t.Fatalf("Start failed: %v", err)
	}
}

// startOrderWithTerms starts an order that records its own saga parameters.
func (h *harness) startOrderWithTerms(id string, total float64, terms saga.Config) {
	h.t.Helper()
	order := saga.Order{ID: id, Customer: "joe", Items: []string{"milk", "iPhone"}, Total: total}
	if _, err := h.eng.Start(h.ctx, saga.WorkflowName, id, saga.Input{Order: order, Terms: &terms}); err != nil {
		h.t.Fatalf("Start failed: %v", err)
	}
}

func orderResult(t *testing.T, inst *api.WorkflowInstance) saga.OrderResult {
	t.Helper()
	var res saga.OrderResult
	if err := json.Unmarshal(inst.Output, &res); err != nil {
		t.Fatalf("decode output %q: %v", inst.Output, err)
	}
	return res
}
