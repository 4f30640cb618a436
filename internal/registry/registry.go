// Package registry is the task-kind-to-handler binding (spec C9):
// populated once at startup from a static list, O(1) lookup thereafter,
// read-only for the life of the process.
package registry

import (
	"fmt"

	"github.com/Userport-ai/enrichment-worker/internal/handler"
)

// Handler is the contract every task_kind plugin implements (spec C11).
type Handler = handler.Handler

// NotFoundError is returned by Lookup for an unregistered task_kind.
type NotFoundError struct {
	TaskKind string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("registry: no handler registered for task_kind %q", e.TaskKind)
}

// Registry is read-only after New returns.
type Registry struct {
	handlers map[string]Handler
}

// New builds a registry from the given handlers, keyed by their own
// TaskKind(). Registering two handlers for the same task_kind is a
// programming error caught at startup.
func New(handlers ...Handler) (*Registry, error) {
	m := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		if _, exists := m[h.TaskKind()]; exists {
			return nil, fmt.Errorf("registry: duplicate handler registered for task_kind %q", h.TaskKind())
		}
		m[h.TaskKind()] = h
	}
	return &Registry{handlers: m}, nil
}

// Lookup returns the handler for taskKind, or a *NotFoundError.
func (r *Registry) Lookup(taskKind string) (Handler, error) {
	h, ok := r.handlers[taskKind]
	if !ok {
		return nil, &NotFoundError{TaskKind: taskKind}
	}
	return h, nil
}
