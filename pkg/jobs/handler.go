package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// Handler executes one kind of job. It runs inside the transaction the
// executor opened for the job; returning an error rolls that transaction back
// and consumes one retry.
type Handler interface {
	Type() string
	Handle(ctx context.Context, tx persistence.Tx, job *models.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerType string
	Fn          func(ctx context.Context, tx persistence.Tx, job *models.Job) error
}

func (h HandlerFunc) Type() string { return h.HandlerType }

func (h HandlerFunc) Handle(ctx context.Context, tx persistence.Tx, job *models.Job) error {
	return h.Fn(ctx, tx, job)
}

// HandlerRegistry maps job handler types to handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

func (r *HandlerRegistry) Register(handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[handler.Type()]; exists {
		return fmt.Errorf("job handler %q already registered", handler.Type())
	}

	r.handlers[handler.Type()] = handler

	return nil
}

func (r *HandlerRegistry) Get(handlerType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[handlerType]
	if !ok {
		return nil, fmt.Errorf("no job handler registered for type %q", handlerType)
	}

	return handler, nil
}

// Types returns the registered handler types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for handlerType := range r.handlers {
		types = append(types, handlerType)
	}

	sort.Strings(types)

	return types
}
