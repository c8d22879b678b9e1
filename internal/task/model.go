// Package task defines the task model shared by planning and execution.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/cmtonkinson/stackrun/internal/state"
)

// Size is the coarse cost proxy a task author assigns.
type Size string

const (
	// SizeSmall marks a task expected to touch little code.
	SizeSmall Size = "small"
	// SizeMedium is the default size.
	SizeMedium Size = "medium"
	// SizeLarge marks a task expected to dominate its layer.
	SizeLarge Size = "large"
)

// ParseSize normalizes a size label; empty input yields SizeMedium.
func ParseSize(value string) (Size, error) {
	switch Size(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return SizeMedium, nil
	case SizeSmall:
		return SizeSmall, nil
	case SizeMedium:
		return SizeMedium, nil
	case SizeLarge:
		return SizeLarge, nil
	default:
		return "", fmt.Errorf("unknown estimated size %q", value)
	}
}

// Cost converts the size into scheduling cost units.
func (s Size) Cost() int {
	switch s {
	case SizeSmall:
		return 1
	case SizeLarge:
		return 4
	default:
		return 2
	}
}

// Task is an immutable unit of work with dependency edges.
type Task struct {
	ID            string   `yaml:"id"`
	Title         string   `yaml:"title"`
	Description   string   `yaml:"description"`
	Requires      []string `yaml:"requires"`
	AgentPrompt   string   `yaml:"agent_prompt"`
	Touches       []string `yaml:"touches"`
	Produces      []string `yaml:"produces"`
	EstimatedSize Size     `yaml:"estimated_size"`
}

// Cost returns the scheduling cost for the task.
func (t Task) Cost() int {
	return t.EstimatedSize.Cost()
}

// DisplayTitle returns the title, falling back to the id.
func (t Task) DisplayTitle() string {
	if title := strings.TrimSpace(t.Title); title != "" {
		return title
	}
	return t.ID
}

// Transition records one lifecycle move.
type Transition struct {
	From      state.TaskState
	To        state.TaskState
	Timestamp time.Time
	Reason    string
}

// ExecutionTask carries a task plus its runtime bookkeeping for one plan.
type ExecutionTask struct {
	Task

	State      state.TaskState
	History    []Transition
	RetryCount int
	MaxRetries int
	// Failures counts every entry into the failed state.
	Failures   int
	StartTime  *time.Time
	EndTime    *time.Time
	Duration   time.Duration
	Output     string
	Error      string
	ExitCode   *int
	CommitHash string
	// Branch is the actual stack branch name, which may carry a collision suffix.
	Branch string
}

// NewExecutionTask wraps a task in the pending state.
func NewExecutionTask(t Task, maxRetries int) *ExecutionTask {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &ExecutionTask{
		Task:       t,
		State:      state.TaskStatePending,
		MaxRetries: maxRetries,
	}
}

// LastTransition returns the most recent history entry.
func (t *ExecutionTask) LastTransition() (Transition, bool) {
	if t == nil || len(t.History) == 0 {
		return Transition{}, false
	}
	return t.History[len(t.History)-1], true
}

// RequiresTask reports whether id is one of the task's dependencies.
func (t *ExecutionTask) RequiresTask(id string) bool {
	for _, dep := range t.Requires {
		if dep == id {
			return true
		}
	}
	return false
}
