package persistence

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/petrijr/orderflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe InstanceStore backed by a map.
// Instances are copied on the way in and out.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.WorkflowInstance
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.WorkflowInstance),
	}
}

// Ensure InMemoryStore implements InstanceStore.
var _ InstanceStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrInstanceExists
	}
	s.instances[inst.ID] = cloneInstance(inst, true)
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return cloneInstance(inst, true), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if !matches(filter, inst.Name, inst.Status) {
			continue
		}
		result = append(result, cloneInstance(inst, false))
	}

	slices.SortFunc(result, func(a, b *api.WorkflowInstance) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *InMemoryStore) AppendEvents(ctx context.Context, id string, expected int, events ...api.HistoryEvent) (*api.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	if err := checkAppend(inst.Status, len(inst.History), expected); err != nil {
		return nil, err
	}

	sum := fold(events, inst.UpdatedAt)
	inst.History = append(inst.History, events...)
	inst.Status = sum.Status
	inst.Output = sum.Output
	inst.Failure = sum.Failure
	inst.UpdatedAt = sum.UpdatedAt

	return cloneInstance(inst, true), nil
}
