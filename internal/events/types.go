// Package events is the monitoring-readable surface of the orchestrator:
// every run and task transition is published to a topic-based bus that
// external consumers can subscribe to. Nothing in the core depends on a
// subscriber being present, and a slow subscriber never blocks the
// scheduler.
package events

import (
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/internal/run"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Run() string
}

// Topic constants
const (
	TopicRun  = "run"
	TopicTask = "task"
)

// Run-level event types. Task event types are derived from the state a
// task entered: "task.queued", "task.running", "task.succeeded",
// "task.failed", "task.retrying", "task.upstream_failed",
// "task.cancelled", and "task.pending" for recovery resets.
const (
	EventTypeRunCreated   = "run.created"
	EventTypeRunCompleted = "run.completed"
)

// RunCreated is published when a trigger creates a new run.
type RunCreated struct {
	RunID       string
	Pipeline    string
	LogicalTime time.Time
	Timestamp   time.Time
}

func (e RunCreated) EventType() string { return EventTypeRunCreated }
func (e RunCreated) Run() string       { return e.RunID }

// RunCompleted is published when a run reaches a terminal status.
type RunCompleted struct {
	RunID     string
	Pipeline  string
	Status    run.Status
	Timestamp time.Time
}

func (e RunCompleted) EventType() string { return EventTypeRunCompleted }
func (e RunCompleted) Run() string       { return e.RunID }

// TaskStateChanged is published for every task transition the scheduler
// persists, after the store accepted it.
type TaskStateChanged struct {
	RunID     string
	Task      string
	From      run.TaskState
	To        run.TaskState
	Attempt   int
	Reason    string    // failure reason, when there is one
	RetryAt   time.Time // set when To is RETRYING
	Timestamp time.Time
}

func (e TaskStateChanged) EventType() string {
	return "task." + strings.ToLower(string(e.To))
}

func (e TaskStateChanged) Run() string { return e.RunID }
