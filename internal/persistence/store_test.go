package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRunning(id, name string, created time.Time) *api.WorkflowInstance {
	return &api.WorkflowInstance{
		ID:        id,
		Name:      name,
		Status:    api.StatusRunning,
		Input:     json.RawMessage(`{"id":"` + id + `"}`),
		History:   []api.HistoryEvent{api.OrchestratorStarted(created)},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// runInstanceStoreContract exercises the behavior every backend must share.
func runInstanceStoreContract(t *testing.T, newStore func(t *testing.T) InstanceStore) {
	ctx := context.Background()

	t.Run("CreateGet", func(t *testing.T) {
		store := newStore(t)
		if err := store.CreateInstance(ctx, newRunning("order-1", "order-saga", t0)); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}

		got, err := store.GetInstance(ctx, "order-1")
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if got.Name != "order-saga" || got.Status != api.StatusRunning {
			t.Fatalf("unexpected instance: %+v", got)
		}
		if string(got.Input) != `{"id":"order-1"}` {
			t.Fatalf("unexpected input: %s", got.Input)
		}
		if len(got.History) != 1 || got.History[0].Type != api.EventOrchestratorStarted {
			t.Fatalf("unexpected history: %+v", got.History)
		}
		if !got.CreatedAt.Equal(t0) {
			t.Fatalf("expected CreatedAt %v, got %v", t0, got.CreatedAt)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		store := newStore(t)
		if err := store.CreateInstance(ctx, newRunning("dup", "order-saga", t0)); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}
		err := store.CreateInstance(ctx, newRunning("dup", "order-saga", t0))
		if !errors.Is(err, ErrInstanceExists) {
			t.Fatalf("expected ErrInstanceExists, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.GetInstance(ctx, "missing"); !errors.Is(err, ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound, got %v", err)
		}
		_, err := store.AppendEvents(ctx, "missing", 1, api.TimerFired(t0, 1))
		if !errors.Is(err, ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound on append, got %v", err)
		}
	})

	t.Run("AppendKeepsOrder", func(t *testing.T) {
		store := newStore(t)
		if err := store.CreateInstance(ctx, newRunning("order-2", "order-saga", t0)); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}

		inst, err := store.AppendEvents(ctx, "order-2", 1,
			api.ActivityScheduled(t0.Add(time.Second), 1, "inventory-reserve", json.RawMessage(`{"id":"order-2"}`)),
		)
		if err != nil {
			t.Fatalf("AppendEvents failed: %v", err)
		}
		if len(inst.History) != 2 {
			t.Fatalf("expected 2 events after first append, got %d", len(inst.History))
		}

		inst, err = store.AppendEvents(ctx, "order-2", 2,
			api.ActivityCompleted(t0.Add(2*time.Second), 1, json.RawMessage(`{"success":true}`)),
		)
		if err != nil {
			t.Fatalf("AppendEvents failed: %v", err)
		}
		if !inst.UpdatedAt.Equal(t0.Add(2 * time.Second)) {
			t.Fatalf("expected UpdatedAt to follow newest event, got %v", inst.UpdatedAt)
		}

		got, err := store.GetInstance(ctx, "order-2")
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		want := []api.EventType{api.EventOrchestratorStarted, api.EventActivityScheduled, api.EventActivityCompleted}
		if len(got.History) != len(want) {
			t.Fatalf("expected %d events, got %d", len(want), len(got.History))
		}
		for i, typ := range want {
			if got.History[i].Type != typ {
				t.Fatalf("event %d: expected %s, got %s", i, typ, got.History[i].Type)
			}
		}
		if got.History[1].Name != "inventory-reserve" || got.History[1].Seq != 1 {
			t.Fatalf("unexpected scheduled event: %+v", got.History[1])
		}
		if string(got.History[2].Payload) != `{"success":true}` {
			t.Fatalf("unexpected result payload: %s", got.History[2].Payload)
		}
	})

	t.Run("StaleExpectedConflicts", func(t *testing.T) {
		store := newStore(t)
		if err := store.CreateInstance(ctx, newRunning("order-3", "order-saga", t0)); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}
		if _, err := store.AppendEvents(ctx, "order-3", 1, api.TimerCreated(t0, 1, t0.Add(time.Hour))); err != nil {
			t.Fatalf("AppendEvents failed: %v", err)
		}
		_, err := store.AppendEvents(ctx, "order-3", 1, api.ExternalEventReceived(t0, "approval", nil))
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("CompletionIsTerminal", func(t *testing.T) {
		store := newStore(t)
		if err := store.CreateInstance(ctx, newRunning("order-4", "order-saga", t0)); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}
		failure := &api.FailureDetails{Message: "Approval deadline expired.", ErrorType: api.ErrorTypeApprovalTimeout}
		inst, err := store.AppendEvents(ctx, "order-4", 1,
			api.OrchestratorCompleted(t0.Add(time.Minute), json.RawMessage(`{"success":false}`), failure),
		)
		if err != nil {
			t.Fatalf("AppendEvents failed: %v", err)
		}
		if inst.Status != api.StatusFailed {
			t.Fatalf("expected FAILED, got %s", inst.Status)
		}

		got, err := store.GetInstance(ctx, "order-4")
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if got.Failure == nil || got.Failure.ErrorType != api.ErrorTypeApprovalTimeout {
			t.Fatalf("unexpected failure: %+v", got.Failure)
		}
		if string(got.Output) != `{"success":false}` {
			t.Fatalf("unexpected output: %s", got.Output)
		}

		_, err = store.AppendEvents(ctx, "order-4", 2, api.ExternalEventReceived(t0, "approval", nil))
		if !errors.Is(err, ErrInstanceTerminal) {
			t.Fatalf("expected ErrInstanceTerminal, got %v", err)
		}
	})

	t.Run("ListFilters", func(t *testing.T) {
		store := newStore(t)
		for i := range 3 {
			id := fmt.Sprintf("list-%d", i)
			if err := store.CreateInstance(ctx, newRunning(id, "order-saga", t0.Add(time.Duration(i)*time.Second))); err != nil {
				t.Fatalf("CreateInstance failed: %v", err)
			}
		}
		if err := store.CreateInstance(ctx, newRunning("other", "other-wf", t0)); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}
		if _, err := store.AppendEvents(ctx, "list-1", 1, api.OrchestratorCompleted(t0, json.RawMessage(`{}`), nil)); err != nil {
			t.Fatalf("AppendEvents failed: %v", err)
		}

		all, err := store.ListInstances(ctx, InstanceFilter{WorkflowName: "order-saga"})
		if err != nil {
			t.Fatalf("ListInstances failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 order-saga instances, got %d", len(all))
		}
		for i, inst := range all {
			if inst.ID != fmt.Sprintf("list-%d", i) {
				t.Fatalf("expected creation order, got %s at %d", inst.ID, i)
			}
		}

		running, err := store.ListInstances(ctx, InstanceFilter{WorkflowName: "order-saga", Status: api.StatusRunning})
		if err != nil {
			t.Fatalf("ListInstances failed: %v", err)
		}
		if len(running) != 2 {
			t.Fatalf("expected 2 running instances, got %d", len(running))
		}

		done, err := store.ListInstances(ctx, InstanceFilter{Status: api.StatusCompleted})
		if err != nil {
			t.Fatalf("ListInstances failed: %v", err)
		}
		if len(done) != 1 || done[0].ID != "list-1" {
			t.Fatalf("unexpected completed instances: %+v", done)
		}
	})

	t.Run("ConcurrentAppendsSerialize", func(t *testing.T) {
		store := newStore(t)
		if err := store.CreateInstance(ctx, newRunning("race", "order-saga", t0)); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.AppendEvents(ctx, "race", 1, api.TimerFired(t0, i+1))
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrConflict) {
					t.Errorf("unexpected append error: %v", err)
				}
			}()
		}
		wg.Wait()

		if succeeded != 1 {
			t.Fatalf("expected exactly one winning append, got %d", succeeded)
		}
		got, err := store.GetInstance(ctx, "race")
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if len(got.History) != 2 {
			t.Fatalf("expected 2 events, got %d", len(got.History))
		}
	})
}
