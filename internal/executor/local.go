package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/conveyorhq/conveyor/internal/dag"
	"github.com/conveyorhq/conveyor/internal/run"
)

// ActionFunc is an in-process action supplied by a pipeline author. It
// receives the execution context of its attempt and returns the values
// handed to downstream tasks.
type ActionFunc func(ctx context.Context, rc run.Context) (run.Values, error)

// Local executes actions registered in-process by name.
type Local struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

// NewLocal returns an empty in-process action registry.
func NewLocal() *Local {
	return &Local{actions: make(map[string]ActionFunc)}
}

// Register adds a named action. Registering the same name twice is a
// wiring mistake and fails.
func (l *Local) Register(name string, fn ActionFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.actions[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	l.actions[name] = fn
	return nil
}

// Execute runs the action the task names.
func (l *Local) Execute(ctx context.Context, task dag.Task, rc run.Context) (run.Values, error) {
	l.mu.RLock()
	fn, ok := l.actions[task.Action.Name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no action registered as %q for task %q", task.Action.Name, task.Name)
	}
	return fn(ctx, rc)
}
