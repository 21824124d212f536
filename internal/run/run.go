package run

import (
	"time"

	"github.com/rs/xid"
)

// NewID returns a sortable unique run identifier.
func NewID() string {
	return xid.New().String()
}

// Values are the small serializable outputs a task hands downstream.
// Large payloads live in the warehouse; only references belong here.
type Values map[string]string

// Run is one execution instance of a DAG, keyed by (pipeline, logical
// time). Triggering the same pair twice yields the same Run.
type Run struct {
	ID          string
	Pipeline    string
	Version     string
	LogicalTime time.Time
	Status      Status
	CreatedAt   time.Time
	FinishedAt  time.Time // zero until the run is terminal
}

// TaskRecord is the persisted state of one task within one run. It is the
// unit of crash recovery: everything the scheduler needs to resume a run
// is in these rows, never in memory alone.
type TaskRecord struct {
	RunID      string
	Task       string
	State      TaskState
	Attempt    int       // dispatch count; 0 before the first dispatch
	RetryAt    time.Time // earliest re-queue time while RETRYING
	Output     Values    // outputs of the successful attempt
	Reason     string    // failure reason of the latest failed attempt
	StartedAt  time.Time
	FinishedAt time.Time
	UpdatedAt  time.Time
}

// Context carries the per-invocation inputs handed to an action. It is
// owned by exactly one task attempt and discarded when the attempt
// returns.
type Context struct {
	RunID       string
	Pipeline    string
	LogicalTime time.Time
	Task        string
	Attempt     int
	Params      map[string]string
	Upstream    map[string]Values // upstream task name -> its outputs
}

// Summarize derives the run-level status from its task records: RUNNING
// until every task is terminal, then CANCELLED if anything was cancelled,
// FAILED if anything failed, SUCCEEDED otherwise.
func Summarize(records []TaskRecord) Status {
	allTerminal := true
	anyCancelled := false
	anyFailed := false
	for _, r := range records {
		if !r.State.Terminal() {
			allTerminal = false
			continue
		}
		switch r.State {
		case TaskFailed, TaskUpstreamFailed:
			anyFailed = true
		case TaskCancelled:
			anyCancelled = true
		}
	}
	if !allTerminal {
		return StatusRunning
	}
	switch {
	case anyCancelled:
		return StatusCancelled
	case anyFailed:
		return StatusFailed
	default:
		return StatusSucceeded
	}
}
