// Package lifecycle enforces task state transitions, retries and dependent propagation.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/task"
)

// ReasonCancelled is recorded when a plan-level cancel fails a running task.
const ReasonCancelled = "cancelled"

// ErrRetryExhausted is returned by Retry when the task may not be retried.
var ErrRetryExhausted = errors.New("task cannot be retried")

// Machine applies whitelisted transitions to execution tasks. All mutations
// are serialized so strategy goroutines and the cancel path can share it.
type Machine struct {
	mu       sync.Mutex
	now      func() time.Time
	observer observer.Observer
}

// Option customizes a Machine.
type Option func(*Machine)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObserver registers the observer notified after each transition.
func WithObserver(o observer.Observer) Option {
	return func(m *Machine) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewMachine builds a Machine.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{now: time.Now, observer: observer.Nop{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type notification struct {
	task       *task.ExecutionTask
	transition task.Transition
}

// Transition moves the task to the requested state. An illegal move returns
// *state.InvalidTransitionError and leaves the task untouched.
func (m *Machine) Transition(t *task.ExecutionTask, to state.TaskState, reason string) error {
	var pending []notification
	m.mu.Lock()
	err := m.transitionLocked(t, to, reason, &pending)
	m.mu.Unlock()
	m.flush(pending)
	return err
}

// TransitionFrom applies the transition only when the task is currently in
// from. It reports whether the transition happened.
func (m *Machine) TransitionFrom(t *task.ExecutionTask, from, to state.TaskState, reason string) (bool, error) {
	return m.TransitionFromWith(t, from, to, reason, nil)
}

// TransitionFromWith is TransitionFrom that also applies update to the task
// under the machine lock, before the transition is recorded.
func (m *Machine) TransitionFromWith(t *task.ExecutionTask, from, to state.TaskState, reason string, update func(*task.ExecutionTask)) (bool, error) {
	var pending []notification
	m.mu.Lock()
	if t == nil || t.State != from {
		m.mu.Unlock()
		return false, nil
	}
	if err := state.ValidateTransition(from, to); err != nil {
		m.mu.Unlock()
		return false, &state.InvalidTransitionError{TaskID: t.ID, From: from, To: to}
	}
	if update != nil {
		update(t)
	}
	err := m.transitionLocked(t, to, reason, &pending)
	m.mu.Unlock()
	m.flush(pending)
	if err != nil {
		return false, err
	}
	return true, nil
}

// CanRetry reports whether a failed task still has retry budget.
func (m *Machine) CanRetry(t *task.ExecutionTask) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return canRetry(t)
}

func canRetry(t *task.ExecutionTask) bool {
	return t != nil && t.State == state.TaskStateFailed && t.RetryCount < t.MaxRetries
}

// Retry re-queues a failed task and consumes one retry.
func (m *Machine) Retry(t *task.ExecutionTask, reason string) error {
	var pending []notification
	m.mu.Lock()
	if !canRetry(t) {
		m.mu.Unlock()
		if t == nil {
			return ErrRetryExhausted
		}
		return fmt.Errorf("%w: %s is %s with %d/%d retries used", ErrRetryExhausted, t.ID, t.State, t.RetryCount, t.MaxRetries)
	}
	if reason == "" {
		reason = fmt.Sprintf("retry %d of %d", t.RetryCount+1, t.MaxRetries)
	}
	err := m.transitionLocked(t, state.TaskStateQueued, reason, &pending)
	if err == nil {
		t.RetryCount++
	}
	m.mu.Unlock()
	m.flush(pending)
	return err
}

// transitionLocked validates, records and applies side effects. Caller holds mu.
func (m *Machine) transitionLocked(t *task.ExecutionTask, to state.TaskState, reason string, pending *[]notification) error {
	if t == nil {
		return errors.New("task is required")
	}
	from := t.State
	if err := state.ValidateTransition(from, to); err != nil {
		return &state.InvalidTransitionError{TaskID: t.ID, From: from, To: to}
	}
	now := m.now()
	entry := task.Transition{From: from, To: to, Timestamp: now, Reason: reason}
	t.History = append(t.History, entry)
	t.State = to

	switch to {
	case state.TaskStateRunning:
		start := now
		t.StartTime = &start
		t.EndTime = nil
		t.Duration = 0
	case state.TaskStateCompleted, state.TaskStateFailed, state.TaskStateSkipped:
		end := now
		t.EndTime = &end
		if t.StartTime != nil {
			t.Duration = end.Sub(*t.StartTime)
		}
		if to == state.TaskStateFailed {
			t.Failures++
		}
	}
	*pending = append(*pending, notification{task: t, transition: entry})
	return nil
}

func (m *Machine) flush(pending []notification) {
	for _, n := range pending {
		m.observer.OnTaskStateChange(n.task, n.transition)
	}
}
