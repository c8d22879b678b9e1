package observer

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/cmtonkinson/stackrun/internal/task"
)

// Logger writes notifications to a structured logger.
type Logger struct {
	log *slog.Logger
}

// NewLogger builds a Logger observer; a nil logger falls back to slog.Default.
func NewLogger(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{log: log}
}

// OnTaskStateChange implements Observer.
func (l *Logger) OnTaskStateChange(t *task.ExecutionTask, transition task.Transition) {
	attrs := []any{
		"task_id", t.ID,
		"from", string(transition.From),
		"to", string(transition.To),
	}
	if transition.Reason != "" {
		attrs = append(attrs, "reason", transition.Reason)
	}
	l.log.Debug("task transition", attrs...)
}

// OnExecutionEvent implements Observer.
func (l *Logger) OnExecutionEvent(event Event) {
	attrs := []any{"event", string(event.Type)}
	if event.PlanID != "" {
		attrs = append(attrs, "plan_id", event.PlanID)
	}
	if event.TaskID != "" {
		attrs = append(attrs, "task_id", event.TaskID)
	}
	keys := make([]string, 0, len(event.Fields))
	for key := range event.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, key, event.Fields[key])
	}
	switch event.Type {
	case EventStackWarning, EventPlanCancelled:
		l.log.Warn(event.Message, attrs...)
	default:
		l.log.Info(event.Message, attrs...)
	}
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu          sync.Mutex
	transitions []RecordedTransition
	events      []Event
}

// RecordedTransition pairs a task id with one of its transitions.
type RecordedTransition struct {
	TaskID     string
	Transition task.Transition
}

// OnTaskStateChange implements Observer.
func (r *Recorder) OnTaskStateChange(t *task.ExecutionTask, transition task.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, RecordedTransition{TaskID: t.ID, Transition: transition})
}

// OnExecutionEvent implements Observer.
func (r *Recorder) OnExecutionEvent(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Transitions returns a copy of the recorded transitions.
func (r *Recorder) Transitions() []RecordedTransition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedTransition(nil), r.transitions...)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// EventsOfType returns recorded events of the given type.
func (r *Recorder) EventsOfType(eventType EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
