// Package executor runs task actions. The scheduler consumes one narrow
// interface; whether an action runs in-process or as a subprocess is this
// package's concern. Executors return the attempt's output values on
// success and an error carrying the failure reason otherwise.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/conveyorhq/conveyor/internal/dag"
	"github.com/conveyorhq/conveyor/internal/run"
)

// Executor runs one attempt of a task.
type Executor interface {
	Execute(ctx context.Context, task dag.Task, rc run.Context) (run.Values, error)
}

// Router dispatches a task to the executor registered for its action kind.
type Router struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{executors: make(map[string]Executor)}
}

// Register binds an action kind to an executor. Later registrations
// replace earlier ones.
func (r *Router) Register(kind string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = e
}

// Execute routes on the task's action kind. An unknown kind is an action
// failure like any other: it is surfaced to the scheduler, not handled
// here.
func (r *Router) Execute(ctx context.Context, task dag.Task, rc run.Context) (run.Values, error) {
	r.mu.RLock()
	e, ok := r.executors[task.Action.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action kind %q for task %q", task.Action.Kind, task.Name)
	}
	return e.Execute(ctx, task, rc)
}
