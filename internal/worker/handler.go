package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"knowq-worker/internal/models"
)

// ErrUnknownTaskType marks a dispatch for a type no handler was registered
// for. It is terminal: retrying cannot make a handler appear.
var ErrUnknownTaskType = errors.New("no handler registered for task type")

// HandlerFunc is the pluggable business logic for one task type. The context
// carries the task's execution deadline; the returned map becomes the task
// result.
type HandlerFunc func(ctx context.Context, task *models.Task) (map[string]any, error)

// Registry maps task types to their handlers. The pool only ever learns type
// names from it, never their semantics.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.TaskType]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.TaskType]HandlerFunc)}
}

func (r *Registry) Register(taskType models.TaskType, fn HandlerFunc) error {
	if !taskType.Valid() {
		return fmt.Errorf("register handler: unknown task type %q", taskType)
	}
	if fn == nil {
		return fmt.Errorf("register handler: nil handler for %q", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = fn
	return nil
}

// Types returns the task types this registry can execute; the pool pops only
// these lanes.
func (r *Registry) Types() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.TaskType, 0, len(r.handlers))
	for _, known := range models.KnownTaskTypes() {
		if _, ok := r.handlers[known]; ok {
			types = append(types, known)
		}
	}
	return types
}

// Execute dispatches to the registered handler. Handler panics are caught
// and surfaced as errors so a bad handler cannot take down its worker.
func (r *Registry) Execute(ctx context.Context, task *models.Task) (result map[string]any, err error) {
	r.mu.RLock()
	fn, ok := r.handlers[task.TaskType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, task.TaskType)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return fn(ctx, task)
}
