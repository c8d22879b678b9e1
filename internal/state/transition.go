// Package state defines lifecycle state machine types and transition guards.
package state

import "fmt"

// TaskState labels the lifecycle state for a task.
type TaskState string

const (
	// TaskStatePending indicates the task has not been evaluated for readiness.
	TaskStatePending TaskState = "pending"
	// TaskStateReady indicates every dependency completed and the task may be queued.
	TaskStateReady TaskState = "ready"
	// TaskStateQueued indicates the task was handed to a strategy for dispatch.
	TaskStateQueued TaskState = "queued"
	// TaskStateRunning indicates the executor is working on the task.
	TaskStateRunning TaskState = "running"
	// TaskStateCompleted indicates the task finished successfully.
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed indicates the last attempt failed.
	TaskStateFailed TaskState = "failed"
	// TaskStateBlocked indicates the task waits on dependencies that are still in flight.
	TaskStateBlocked TaskState = "blocked"
	// TaskStateSkipped indicates the task will not run.
	TaskStateSkipped TaskState = "skipped"
)

// allowedTransitions defines the permitted lifecycle state changes.
var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	TaskStatePending: {
		TaskStateReady:   {},
		TaskStateBlocked: {},
	},
	TaskStateReady: {
		TaskStateQueued:  {},
		TaskStateSkipped: {},
	},
	TaskStateQueued: {
		TaskStateRunning: {},
		TaskStateSkipped: {},
	},
	TaskStateRunning: {
		TaskStateCompleted: {},
		TaskStateFailed:    {},
	},
	TaskStateFailed: {
		TaskStateQueued: {},
	},
	TaskStateBlocked: {
		TaskStateReady:   {},
		TaskStateSkipped: {},
	},
	TaskStateCompleted: {},
	TaskStateSkipped:   {},
}

// AllStates lists every lifecycle state in display order.
func AllStates() []TaskState {
	return []TaskState{
		TaskStatePending,
		TaskStateReady,
		TaskStateQueued,
		TaskStateRunning,
		TaskStateCompleted,
		TaskStateFailed,
		TaskStateBlocked,
		TaskStateSkipped,
	}
}

// Valid reports whether the state is a known lifecycle state.
func (s TaskState) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Settled reports whether the state ends an attempt and triggers dependent propagation.
func (s TaskState) Settled() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateSkipped
}

// InvalidTransitionError reports a lifecycle move outside the whitelist.
type InvalidTransitionError struct {
	TaskID string
	From   TaskState
	To     TaskState
}

func (e *InvalidTransitionError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("invalid task state transition from %q to %q", e.From, e.To)
	}
	return fmt.Sprintf("invalid task state transition for %s from %q to %q", e.TaskID, e.From, e.To)
}

// IsValidTransition reports whether the lifecycle allows the requested change.
func IsValidTransition(from TaskState, to TaskState) bool {
	if from == "" || to == "" {
		return false
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// ValidateTransition returns an error when a lifecycle change is not allowed.
func ValidateTransition(from TaskState, to TaskState) error {
	if !IsValidTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
