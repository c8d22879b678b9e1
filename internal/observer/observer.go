// Package observer defines the progress hooks injected into a run.
package observer

import (
	"time"

	"github.com/cmtonkinson/stackrun/internal/task"
)

// EventType names a run-level event.
type EventType string

const (
	// EventPlanStarted fires when a strategy begins driving a plan.
	EventPlanStarted EventType = "plan.started"
	// EventPlanFinished fires once the run result is aggregated.
	EventPlanFinished EventType = "plan.finished"
	// EventPlanCancelled fires when a run is cancelled.
	EventPlanCancelled EventType = "plan.cancelled"
	// EventLayerStarted fires before a layer is dispatched.
	EventLayerStarted EventType = "layer.started"
	// EventLayerFinished fires after every task in a layer settled.
	EventLayerFinished EventType = "layer.finished"
	// EventWorktreeCreated fires after a task worktree is created.
	EventWorktreeCreated EventType = "worktree.create"
	// EventWorktreeRemoved fires after a task worktree is removed.
	EventWorktreeRemoved EventType = "worktree.delete"
	// EventBranchCreated fires after a stack branch is created and tracked.
	EventBranchCreated EventType = "branch.create"
	// EventBranchCollision fires when a requested branch name was taken.
	EventBranchCollision EventType = "branch.collision"
	// EventStackWarning fires for stack degradations that do not fail a task.
	EventStackWarning EventType = "stack.warning"
	// EventRestack fires after the restack pass.
	EventRestack EventType = "stack.restack"
)

// Event is a run-level notification.
type Event struct {
	Type      EventType
	PlanID    string
	TaskID    string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Observer receives task state changes and run events.
type Observer interface {
	OnTaskStateChange(t *task.ExecutionTask, transition task.Transition)
	OnExecutionEvent(event Event)
}

// Nop ignores every notification.
type Nop struct{}

// OnTaskStateChange implements Observer.
func (Nop) OnTaskStateChange(*task.ExecutionTask, task.Transition) {}

// OnExecutionEvent implements Observer.
func (Nop) OnExecutionEvent(Event) {}

// Multi fans notifications out to every non-nil observer in order.
type Multi []Observer

// OnTaskStateChange implements Observer.
func (m Multi) OnTaskStateChange(t *task.ExecutionTask, transition task.Transition) {
	for _, o := range m {
		if o != nil {
			o.OnTaskStateChange(t, transition)
		}
	}
}

// OnExecutionEvent implements Observer.
func (m Multi) OnExecutionEvent(event Event) {
	for _, o := range m {
		if o != nil {
			o.OnExecutionEvent(event)
		}
	}
}

// Emit stamps the event time when missing and delivers it to o.
func Emit(o Observer, event Event) {
	if o == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	o.OnExecutionEvent(event)
}
