// Package metrics exposes run progress as Prometheus collectors. A Metrics
// value is an observer; the CLI writes the gathered families to a textfile
// for node_exporter style collection.
package metrics

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/task"
)

// Metrics holds the stackrun collectors.
type Metrics struct {
	registry *prometheus.Registry

	Transitions   *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	Retries       prometheus.Counter
	TasksInFlight prometheus.Gauge
	Layers        *prometheus.CounterVec
	Branches      *prometheus.CounterVec
	StackWarnings prometheus.Counter
	Plans         *prometheus.CounterVec
	PlanDuration  prometheus.Histogram

	mu      sync.Mutex
	started map[string]time.Time
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackrun_task_transitions_total",
			Help: "Task lifecycle transitions by target state",
		}, []string{"to"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackrun_task_duration_seconds",
			Help:    "Duration of settled task attempts",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"state"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackrun_task_retries_total",
			Help: "Failed tasks sent back to the queue",
		}),
		TasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stackrun_tasks_running",
			Help: "Tasks currently running",
		}),
		Layers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackrun_layers_total",
			Help: "Layer lifecycle events",
		}, []string{"event"}),
		Branches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackrun_branches_total",
			Help: "Stack branches created, split by collision",
		}, []string{"collided"}),
		StackWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackrun_stack_warnings_total",
			Help: "Stack degradations that did not fail a task",
		}),
		Plans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackrun_plans_total",
			Help: "Finished plans by status",
		}, []string{"status"}),
		PlanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackrun_plan_duration_seconds",
			Help:    "Wall-clock duration of finished plans",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		started: make(map[string]time.Time),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values in text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

// OnTaskStateChange implements observer.Observer.
func (m *Metrics) OnTaskStateChange(t *task.ExecutionTask, transition task.Transition) {
	m.Transitions.WithLabelValues(string(transition.To)).Inc()
	switch {
	case transition.To == state.TaskStateRunning:
		m.TasksInFlight.Inc()
	case transition.From == state.TaskStateRunning:
		m.TasksInFlight.Dec()
		m.TaskDuration.WithLabelValues(string(transition.To)).Observe(t.Duration.Seconds())
	case transition.From == state.TaskStateFailed && transition.To == state.TaskStateQueued:
		m.Retries.Inc()
	}
}

// OnExecutionEvent implements observer.Observer.
func (m *Metrics) OnExecutionEvent(event observer.Event) {
	switch event.Type {
	case observer.EventPlanStarted:
		m.mu.Lock()
		m.started[event.PlanID] = eventTime(event)
		m.mu.Unlock()
	case observer.EventPlanFinished:
		m.Plans.WithLabelValues(event.Message).Inc()
		m.mu.Lock()
		start, ok := m.started[event.PlanID]
		delete(m.started, event.PlanID)
		m.mu.Unlock()
		if ok {
			m.PlanDuration.Observe(eventTime(event).Sub(start).Seconds())
		}
	case observer.EventLayerStarted:
		m.Layers.WithLabelValues("started").Inc()
	case observer.EventLayerFinished:
		m.Layers.WithLabelValues("finished").Inc()
	case observer.EventBranchCreated:
		collided, _ := strconv.ParseBool(event.Fields["collided"])
		m.Branches.WithLabelValues(strconv.FormatBool(collided)).Inc()
	case observer.EventStackWarning:
		m.StackWarnings.Inc()
	}
}

func eventTime(event observer.Event) time.Time {
	if event.Timestamp.IsZero() {
		return time.Now()
	}
	return event.Timestamp
}
