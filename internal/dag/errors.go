package dag

import "errors"

// Validation failures surfaced by Builder.Add and Builder.Build. A built
// DAG is never re-validated at runtime.
var (
	ErrDuplicateTask     = errors.New("duplicate task name")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle")
	ErrNoTasks           = errors.New("dag has no tasks")
)
