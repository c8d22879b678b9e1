package observer

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/task"
)

// TestMultiFansOutAndSkipsNil verifies every observer sees each notification.
func TestMultiFansOutAndSkipsNil(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	multi := Multi{first, nil, second}

	et := task.NewExecutionTask(task.Task{ID: "a"}, 0)
	multi.OnTaskStateChange(et, task.Transition{From: state.TaskStatePending, To: state.TaskStateReady})
	Emit(multi, Event{Type: EventPlanStarted, PlanID: "p1"})

	for _, r := range []*Recorder{first, second} {
		require.Len(t, r.Transitions(), 1)
		assert.Equal(t, "a", r.Transitions()[0].TaskID)
		events := r.EventsOfType(EventPlanStarted)
		require.Len(t, events, 1)
		assert.False(t, events[0].Timestamp.IsZero())
	}
}

// TestEmitNilObserver verifies emitting to nil is a no-op.
func TestEmitNilObserver(t *testing.T) {
	assert.NotPanics(t, func() { Emit(nil, Event{Type: EventRestack}) })
}

// TestLoggerWritesSortedFields verifies events become structured log records.
func TestLoggerWritesSortedFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	log.OnExecutionEvent(Event{
		Type:    EventBranchCreated,
		PlanID:  "p1",
		TaskID:  "auth",
		Message: "branch created",
		Fields:  map[string]string{"parent": "main", "branch": "stackrun/auth"},
	})
	log.OnExecutionEvent(Event{Type: EventStackWarning, Message: "restack failed"})
	log.OnTaskStateChange(task.NewExecutionTask(task.Task{ID: "auth"}, 0),
		task.Transition{From: state.TaskStateRunning, To: state.TaskStateFailed, Reason: "exit 1"})

	out := buf.String()
	assert.Contains(t, out, `msg="branch created" event=branch.create plan_id=p1 task_id=auth branch=stackrun/auth parent=main`)
	assert.Contains(t, out, `level=WARN msg="restack failed"`)
	assert.Contains(t, out, `msg="task transition" task_id=auth from=running to=failed reason="exit 1"`)
}
