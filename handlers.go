package notifyflow

import (
	"context"
	"sync"
)

// TaskExecutor turns one claimed task into its next state and persists it.
// A returned error means the state transition itself could not be made.
type TaskExecutor interface {
	Execute(ctx context.Context, task Task) error
}

// ExecutorFunc adapts a function to TaskExecutor.
type ExecutorFunc func(ctx context.Context, task Task) error

func (f ExecutorFunc) Execute(ctx context.Context, task Task) error { return f(ctx, task) }

type executorRegistry struct {
	mu        sync.RWMutex
	executors map[TaskType]TaskExecutor
}

func newExecutorRegistry() *executorRegistry {
	return &executorRegistry{executors: make(map[TaskType]TaskExecutor)}
}

func (r *executorRegistry) register(t TaskType, exec TaskExecutor) {
	r.mu.Lock()
	r.executors[t] = exec
	r.mu.Unlock()
}

// get returns the executor for the given type, if one is registered.
func (r *executorRegistry) get(t TaskType) (TaskExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[t]
	return exec, ok
}
