package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/task"
)

// Status labels the lifecycle of a whole plan.
type Status string

const (
	// StatusPending means the plan was built but not started.
	StatusPending Status = "pending"
	// StatusRunning means a strategy is driving the plan.
	StatusRunning Status = "running"
	// StatusCompleted means every task completed.
	StatusCompleted Status = "completed"
	// StatusPartial means some tasks completed and others failed or were skipped.
	StatusPartial Status = "partial"
	// StatusFailed means no task completed and at least one failed.
	StatusFailed Status = "failed"
	// StatusCancelled means the run was cancelled.
	StatusCancelled Status = "cancelled"
)

// ExecutionPlan holds the runtime tasks of one run grouped into layers.
type ExecutionPlan struct {
	ID        string
	Tasks     map[string]*task.ExecutionTask
	Order     []string
	Layers    [][]*task.ExecutionTask
	Strategy  Strategy
	Status    Status
	CreatedAt time.Time
	Analysis  Analysis
}

// Options controls plan construction.
type Options struct {
	// Requested is honored only when compatible with the plan shape.
	Requested  Strategy
	MaxRetries int
	Now        func() time.Time
}

// New validates and layers the tasks and wraps each in an ExecutionTask.
// Graph problems are returned as *ValidationError before anything runs.
func New(tasks []task.Task, opts Options) (*ExecutionPlan, error) {
	if len(tasks) == 0 {
		return nil, &ValidationError{Kind: KindEmptyPlan}
	}
	if _, ok := ParseStrategy(string(opts.Requested)); !ok {
		return nil, fmt.Errorf("unknown strategy %q", opts.Requested)
	}
	analysis := Analyze(tasks)
	if !analysis.Valid {
		return nil, analysis.Err
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	p := &ExecutionPlan{
		ID:        uuid.NewString(),
		Tasks:     make(map[string]*task.ExecutionTask, len(tasks)),
		Order:     make([]string, 0, len(tasks)),
		Strategy:  resolveStrategy(opts.Requested, analysis),
		Status:    StatusPending,
		CreatedAt: now(),
		Analysis:  analysis,
	}
	for _, t := range tasks {
		p.Tasks[t.ID] = task.NewExecutionTask(t, opts.MaxRetries)
		p.Order = append(p.Order, t.ID)
	}

	layers := analysis.Layers
	if p.Strategy == StrategySerial {
		order, err := TopologicalOrder(tasks)
		if err != nil {
			return nil, err
		}
		layers = make([][]string, 0, len(order))
		for _, id := range order {
			layers = append(layers, []string{id})
		}
	}
	for _, layer := range layers {
		group := make([]*task.ExecutionTask, 0, len(layer))
		for _, id := range layer {
			group = append(group, p.Tasks[id])
		}
		p.Layers = append(p.Layers, group)
	}
	return p, nil
}

// OrderedTasks returns the tasks in declaration order.
func (p *ExecutionPlan) OrderedTasks() []*task.ExecutionTask {
	out := make([]*task.ExecutionTask, 0, len(p.Order))
	for _, id := range p.Order {
		out = append(out, p.Tasks[id])
	}
	return out
}

// Task returns the execution task for id.
func (p *ExecutionPlan) Task(id string) (*task.ExecutionTask, bool) {
	t, ok := p.Tasks[id]
	return t, ok
}

// LayerIndex returns the layer holding id, or -1.
func (p *ExecutionPlan) LayerIndex(id string) int {
	for i, layer := range p.Layers {
		for _, t := range layer {
			if t.ID == id {
				return i
			}
		}
	}
	return -1
}

// Counts tallies tasks by state.
func (p *ExecutionPlan) Counts() map[state.TaskState]int {
	counts := make(map[state.TaskState]int, len(state.AllStates()))
	for _, t := range p.Tasks {
		counts[t.State]++
	}
	return counts
}

// SettledStatus derives the final plan status from task states.
func (p *ExecutionPlan) SettledStatus() Status {
	counts := p.Counts()
	total := len(p.Tasks)
	switch {
	case counts[state.TaskStateCompleted] == total:
		return StatusCompleted
	case counts[state.TaskStateCompleted] == 0 && counts[state.TaskStateFailed] > 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}
