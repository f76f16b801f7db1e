package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/procflow/procflow/pkg/models"
)

// Delegate is application code bound to a service task. It may read and write
// the execution's variables; the interpreter persists the execution after a
// successful run.
type Delegate interface {
	Execute(ctx context.Context, execution *models.Execution, config string) error
}

// DelegateFunc adapts a plain function to the Delegate interface.
type DelegateFunc func(ctx context.Context, execution *models.Execution, config string) error

func (f DelegateFunc) Execute(ctx context.Context, execution *models.Execution, config string) error {
	return f(ctx, execution, config)
}

// DelegateRegistry maps service-task handler types to delegates. Registration
// happens during wiring; lookups happen on every service-task execution.
type DelegateRegistry struct {
	mu        sync.RWMutex
	delegates map[string]Delegate
}

func NewDelegateRegistry() *DelegateRegistry {
	return &DelegateRegistry{
		delegates: make(map[string]Delegate),
	}
}

func (r *DelegateRegistry) Register(handlerType string, delegate Delegate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.delegates[handlerType]; exists {
		return fmt.Errorf("delegate %q already registered", handlerType)
	}

	r.delegates[handlerType] = delegate

	return nil
}

func (r *DelegateRegistry) Get(handlerType string) (Delegate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delegate, ok := r.delegates[handlerType]
	if !ok {
		return nil, fmt.Errorf("no delegate registered for handler type %q", handlerType)
	}

	return delegate, nil
}

// Types returns the registered handler types, sorted.
func (r *DelegateRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.delegates))
	for handlerType := range r.delegates {
		types = append(types, handlerType)
	}

	sort.Strings(types)

	return types
}
