// Package run holds the per-run execution model: task states, the
// transition table, the persisted task record, and the ephemeral context
// handed to actions. The DAG definition stays immutable in package dag;
// everything that changes while a pipeline executes lives here.
package run

import "fmt"

// TaskState is the execution state of one task within one run.
type TaskState string

const (
	TaskPending        TaskState = "PENDING"
	TaskQueued         TaskState = "QUEUED"
	TaskRunning        TaskState = "RUNNING"
	TaskSucceeded      TaskState = "SUCCEEDED"
	TaskFailed         TaskState = "FAILED"
	TaskUpstreamFailed TaskState = "UPSTREAM_FAILED"
	TaskRetrying       TaskState = "RETRYING"
	TaskCancelled      TaskState = "CANCELLED"
)

// Terminal reports whether no further transition can leave the state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskUpstreamFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Successful reports whether the state satisfies downstream dependencies.
func (s TaskState) Successful() bool {
	return s == TaskSucceeded
}

// ParseTaskState converts a stored string back into a TaskState.
func ParseTaskState(s string) (TaskState, error) {
	switch state := TaskState(s); state {
	case TaskPending, TaskQueued, TaskRunning, TaskSucceeded,
		TaskFailed, TaskUpstreamFailed, TaskRetrying, TaskCancelled:
		return state, nil
	default:
		return "", fmt.Errorf("unknown task state %q", s)
	}
}

// CanTransition reports whether from -> to is a legal edge of the task
// state machine. The QUEUED -> PENDING and RUNNING -> PENDING edges exist
// only for crash recovery: an interrupted attempt is re-queued without
// charging the retry budget.
func CanTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskQueued || to == TaskUpstreamFailed || to == TaskCancelled
	case TaskQueued:
		return to == TaskRunning || to == TaskPending || to == TaskCancelled
	case TaskRunning:
		return to == TaskSucceeded || to == TaskRetrying || to == TaskFailed ||
			to == TaskPending || to == TaskCancelled
	case TaskRetrying:
		return to == TaskQueued || to == TaskFailed || to == TaskCancelled
	default:
		return false
	}
}

// Status is the run-level outcome.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the run is finished.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a stored string back into a Status.
func ParseStatus(s string) (Status, error) {
	switch status := Status(s); status {
	case StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("unknown run status %q", s)
	}
}
