// Package dag models a pipeline as an immutable directed acyclic graph of
// tasks. Graphs are assembled through a Builder and validated exactly once
// at Build time; a built DAG is read-only and shared freely across
// concurrent runs without synchronization.
package dag

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// Builder accumulates tasks for one DAG. Build is the only way to obtain
// a DAG and the only point where the graph is mutated.
type Builder struct {
	tasks map[string]Task
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{tasks: make(map[string]Task)}
}

// Add registers a task. Task names must be unique within the DAG and a
// task may not declare the same dependency twice.
func (b *Builder) Add(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if _, exists := b.tasks[task.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, task.Name)
	}
	seen := make(map[string]struct{}, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("task %q declares dependency %q twice", task.Name, dep)
		}
		seen[dep] = struct{}{}
	}
	b.tasks[task.Name] = cloneTask(task)
	return nil
}

// DAG is an immutable, validated collection of tasks and their dependency
// edges. Accessors return copies; nothing in a built DAG changes.
type DAG struct {
	name    string
	version string

	tasks      map[string]Task
	order      []string            // cached topological order
	index      map[string]int      // task name -> position in order
	downstream map[string][]string // direct dependents, sorted by name
}

// Build validates the accumulated tasks and returns the frozen DAG.
// It fails with ErrUnknownDependency when a task depends on an undeclared
// name and with ErrCycle when the graph is not acyclic. The topological
// order is computed here, once, with ties broken by lexical task name so
// that scheduling order is deterministic.
func (b *Builder) Build(name, version string) (*DAG, error) {
	if name == "" {
		return nil, fmt.Errorf("dag name is required")
	}
	if len(b.tasks) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoTasks, name)
	}

	tasks := make(map[string]Task, len(b.tasks))
	for taskName, task := range b.tasks {
		tasks[taskName] = cloneTask(task)
	}

	downstream := make(map[string][]string)
	for taskName, task := range tasks {
		for _, dep := range task.DependsOn {
			if _, exists := tasks[dep]; !exists {
				return nil, fmt.Errorf("%w: task %q depends on undeclared task %q", ErrUnknownDependency, taskName, dep)
			}
			downstream[dep] = append(downstream[dep], taskName)
		}
	}
	for _, dependents := range downstream {
		sort.Strings(dependents)
	}

	// Acyclicity proof. The library's order is discarded in favor of the
	// deterministic one computed below.
	var edges []toposort.Edge
	for taskName, task := range tasks {
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, taskName})
			continue
		}
		for _, dep := range task.DependsOn {
			edges = append(edges, toposort.Edge{dep, taskName})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := topoOrder(tasks, downstream)
	index := make(map[string]int, len(order))
	for i, taskName := range order {
		index[taskName] = i
	}

	return &DAG{
		name:       name,
		version:    version,
		tasks:      tasks,
		order:      order,
		index:      index,
		downstream: downstream,
	}, nil
}

// topoOrder runs Kahn's algorithm with a lexically sorted frontier: among
// tasks whose dependencies are all ordered, the smallest name goes first.
// The graph is already proven acyclic, so the frontier drains completely.
func topoOrder(tasks map[string]Task, downstream map[string][]string) []string {
	indegree := make(map[string]int, len(tasks))
	for name, task := range tasks {
		indegree[name] = len(task.DependsOn)
	}

	frontier := make([]string, 0, len(tasks))
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(tasks))
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)

		unlocked := false
		for _, dependent := range downstream[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				frontier = append(frontier, dependent)
				unlocked = true
			}
		}
		if unlocked {
			sort.Strings(frontier)
		}
	}
	return order
}

// Name returns the pipeline name the DAG was built for.
func (d *DAG) Name() string { return d.name }

// Version returns the definition version.
func (d *DAG) Version() string { return d.version }

// Len returns the number of tasks.
func (d *DAG) Len() int { return len(d.tasks) }

// Task returns a copy of the named task.
func (d *DAG) Task(name string) (Task, bool) {
	task, ok := d.tasks[name]
	if !ok {
		return Task{}, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in topological order.
func (d *DAG) Tasks() []Task {
	out := make([]Task, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, cloneTask(d.tasks[name]))
	}
	return out
}

// TopoOrder returns the cached topological order of task names.
func (d *DAG) TopoOrder() []string {
	return append([]string(nil), d.order...)
}

// TopoIndex returns the position of the named task in the topological
// order, or -1 for an unknown name.
func (d *DAG) TopoIndex(name string) int {
	if i, ok := d.index[name]; ok {
		return i
	}
	return -1
}

// Roots returns the names of tasks with no dependencies.
func (d *DAG) Roots() []string {
	roots := []string{}
	for _, name := range d.order {
		if len(d.tasks[name].DependsOn) == 0 {
			roots = append(roots, name)
		}
	}
	return roots
}

// Downstream returns the direct dependents of the named task.
func (d *DAG) Downstream(name string) []string {
	return append([]string(nil), d.downstream[name]...)
}

// TransitiveDownstream returns every task reachable from name by following
// dependency edges forward, in topological order. This is the blast radius
// of a failed task, marked in a single pass.
func (d *DAG) TransitiveDownstream(name string) []string {
	visited := map[string]struct{}{}
	queue := append([]string(nil), d.downstream[name]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, seen := visited[next]; seen {
			continue
		}
		visited[next] = struct{}{}
		queue = append(queue, d.downstream[next]...)
	}

	out := make([]string, 0, len(visited))
	for taskName := range visited {
		out = append(out, taskName)
	}
	sort.Slice(out, func(i, j int) bool { return d.index[out[i]] < d.index[out[j]] })
	return out
}
