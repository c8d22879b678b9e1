package lifecycle

import (
	"fmt"

	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/task"
)

// InitializeReadiness moves pending tasks without dependencies to ready.
func (m *Machine) InitializeReadiness(tasks []*task.ExecutionTask) error {
	var pending []notification
	m.mu.Lock()
	var err error
	for _, t := range tasks {
		if t.State != state.TaskStatePending || len(t.Requires) > 0 {
			continue
		}
		if err = m.transitionLocked(t, state.TaskStateReady, "no dependencies", &pending); err != nil {
			break
		}
	}
	m.mu.Unlock()
	m.flush(pending)
	return err
}

// PropagateDependents re-evaluates every pending or blocked task that requires
// changedID. Tasks are visited in the order given. Skips cascade to the
// skipped task's own dependents. Calling it again without an intervening state
// change records nothing.
func (m *Machine) PropagateDependents(tasks []*task.ExecutionTask, changedID string) error {
	var pending []notification
	m.mu.Lock()
	byID := make(map[string]*task.ExecutionTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	err := m.propagateLocked(tasks, byID, changedID, &pending)
	m.mu.Unlock()
	m.flush(pending)
	return err
}

func (m *Machine) propagateLocked(tasks []*task.ExecutionTask, byID map[string]*task.ExecutionTask, changedID string, pending *[]notification) error {
	var cascade []string
	for _, t := range tasks {
		if t.ID == changedID || !t.RequiresTask(changedID) {
			continue
		}
		if t.State != state.TaskStatePending && t.State != state.TaskStateBlocked {
			continue
		}
		verdict, cause := evaluate(t, byID)
		switch verdict {
		case verdictSkip:
			reason := fmt.Sprintf("dependency %s %s", cause.ID, cause.State)
			if t.State == state.TaskStatePending {
				if err := m.transitionLocked(t, state.TaskStateBlocked, reason, pending); err != nil {
					return err
				}
			}
			if err := m.transitionLocked(t, state.TaskStateSkipped, reason, pending); err != nil {
				return err
			}
			cascade = append(cascade, t.ID)
		case verdictReady:
			if err := m.transitionLocked(t, state.TaskStateReady, "dependencies completed", pending); err != nil {
				return err
			}
		case verdictBlock:
			if t.State == state.TaskStateBlocked {
				continue
			}
			reason := fmt.Sprintf("waiting on %s (%s)", cause.ID, cause.State)
			if err := m.transitionLocked(t, state.TaskStateBlocked, reason, pending); err != nil {
				return err
			}
		}
	}
	for _, id := range cascade {
		if err := m.propagateLocked(tasks, byID, id, pending); err != nil {
			return err
		}
	}
	return nil
}

type verdict int

const (
	verdictNone verdict = iota
	verdictSkip
	verdictReady
	verdictBlock
)

// evaluate applies the propagation rules in order: any failed or skipped
// dependency skips, all completed readies, any queued or running blocks.
func evaluate(t *task.ExecutionTask, byID map[string]*task.ExecutionTask) (verdict, *task.ExecutionTask) {
	allCompleted := true
	var inFlight *task.ExecutionTask
	for _, id := range t.Requires {
		dep, ok := byID[id]
		if !ok {
			allCompleted = false
			continue
		}
		switch dep.State {
		case state.TaskStateFailed, state.TaskStateSkipped:
			return verdictSkip, dep
		case state.TaskStateCompleted:
		case state.TaskStateRunning, state.TaskStateQueued:
			allCompleted = false
			if inFlight == nil {
				inFlight = dep
			}
		default:
			allCompleted = false
		}
	}
	if allCompleted {
		return verdictReady, nil
	}
	if inFlight != nil {
		return verdictBlock, inFlight
	}
	return verdictNone, nil
}

// SkipRemaining moves every task that has not started and has not settled to
// skipped, routing pending tasks through blocked. It returns the number skipped.
func (m *Machine) SkipRemaining(tasks []*task.ExecutionTask, reason string) (int, error) {
	var pending []notification
	m.mu.Lock()
	skipped := 0
	var err error
	for _, t := range tasks {
		switch t.State {
		case state.TaskStatePending:
			if err = m.transitionLocked(t, state.TaskStateBlocked, reason, &pending); err != nil {
				break
			}
			err = m.transitionLocked(t, state.TaskStateSkipped, reason, &pending)
		case state.TaskStateReady, state.TaskStateQueued, state.TaskStateBlocked:
			err = m.transitionLocked(t, state.TaskStateSkipped, reason, &pending)
		default:
			continue
		}
		if err != nil {
			break
		}
		skipped++
	}
	m.mu.Unlock()
	m.flush(pending)
	return skipped, err
}

// CancelRunning fails every running task with the cancelled reason and
// returns the affected tasks.
func (m *Machine) CancelRunning(tasks []*task.ExecutionTask) ([]*task.ExecutionTask, error) {
	var pending []notification
	m.mu.Lock()
	var cancelled []*task.ExecutionTask
	var err error
	for _, t := range tasks {
		if t.State != state.TaskStateRunning {
			continue
		}
		if err = m.transitionLocked(t, state.TaskStateFailed, ReasonCancelled, &pending); err != nil {
			break
		}
		t.Error = ReasonCancelled
		cancelled = append(cancelled, t)
	}
	m.mu.Unlock()
	m.flush(pending)
	return cancelled, err
}
