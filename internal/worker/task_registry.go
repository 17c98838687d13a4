// internal/worker/task_registry.go
package worker

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/fawad-mazhar/regsync/internal/models"
)

var ErrHandlerNotFound = errors.New("task handler not found")

// Handler executes one attempt of a task. Everything written to log ends
// up in the log of the current attempt.
type Handler interface {
	Handle(ctx context.Context, task *models.Task, log io.Writer) error
}

type HandlerFunc func(ctx context.Context, task *models.Task, log io.Writer) error

func (f HandlerFunc) Handle(ctx context.Context, task *models.Task, log io.Writer) error {
	return f(ctx, task, log)
}

// Registry manages the handler of every task type
type Registry struct {
	handlers map[models.TaskType]Handler
	mu       sync.RWMutex
}

// NewRegistry creates a new task handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[models.TaskType]Handler),
	}
}

// Register adds the handler of taskType
func (r *Registry) Register(taskType models.TaskType, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskType]; exists {
		return errors.Errorf("task handler %s already registered", taskType)
	}

	r.handlers[taskType] = handler
	return nil
}

// Get retrieves the handler of taskType
func (r *Registry) Get(taskType models.TaskType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[taskType]
	if !exists {
		return nil, errors.Wrapf(ErrHandlerNotFound, "type %s", taskType)
	}

	return handler, nil
}

// Types returns the registered task types
func (r *Registry) Types() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.TaskType, 0, len(r.handlers))
	for taskType := range r.handlers {
		types = append(types, taskType)
	}
	return types
}
