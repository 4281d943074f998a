package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/orderflow/pkg/api"
)

// registry holds workflow and activity definitions by name.
type registry struct {
	mu         sync.RWMutex
	workflows  map[string]api.WorkflowDefinition
	activities map[string]api.ActivityDefinition
}

func newRegistry() *registry {
	return &registry{
		workflows:  make(map[string]api.WorkflowDefinition),
		activities: make(map[string]api.ActivityDefinition),
	}
}

func (r *registry) registerWorkflow(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	if def.New == nil {
		return fmt.Errorf("workflow %q has no machine factory", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[def.Name]; exists {
		return fmt.Errorf("workflow already registered: %s", def.Name)
	}
	r.workflows[def.Name] = def
	return nil
}

func (r *registry) registerActivity(def api.ActivityDefinition) error {
	if def.Name == "" {
		return errors.New("activity name is required")
	}
	if def.Fn == nil {
		return fmt.Errorf("activity %q has no function", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[def.Name]; exists {
		return fmt.Errorf("activity already registered: %s", def.Name)
	}
	r.activities[def.Name] = def
	return nil
}

func (r *registry) workflow(name string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.workflows[name]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("unknown workflow: %s", name)
	}
	return def, nil
}

func (r *registry) activity(name string) (api.ActivityDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.activities[name]
	return def, ok
}
