// Package executor runs the work a task describes inside a working directory.
package executor

import (
	"context"
	"time"

	"github.com/cmtonkinson/stackrun/internal/task"
)

// Mode tells the executor how the working directory is shared.
type Mode string

const (
	// ModeShared runs in the main checkout alongside other tasks.
	ModeShared Mode = "shared"
	// ModeWorktree runs in a task-private worktree.
	ModeWorktree Mode = "worktree"
)

// Status is the outcome of one execution.
type Status string

const (
	// StatusSuccess means the task's work finished cleanly.
	StatusSuccess Status = "success"
	// StatusFailure means the task ran and reported failure.
	StatusFailure Status = "failure"
)

// Result captures one execution.
type Result struct {
	Status       Status
	Output       string
	ExitCode     int
	FilesChanged []string
	TimedOut     bool
	Duration     time.Duration
}

// Succeeded reports whether the result is a success.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Executor performs a task's work. A non-nil error means the executor could
// not run at all; a ran-but-failed task is reported through Result.Status.
type Executor interface {
	Execute(ctx context.Context, t *task.Task, workdir string, mode Mode) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, t *task.Task, workdir string, mode Mode) (Result, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, t *task.Task, workdir string, mode Mode) (Result, error) {
	return f(ctx, t, workdir, mode)
}
