// Package strategy drives an execution plan through the task executor.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cmtonkinson/stackrun/internal/executor"
	"github.com/cmtonkinson/stackrun/internal/lifecycle"
	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/stack"
	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/task"
)

const (
	// ReasonHalted marks tasks skipped because an earlier failure stopped the run.
	ReasonHalted = "halted after failure"
	// defaultHybridConcurrency bounds hybrid layers when no limit is configured.
	defaultHybridConcurrency = 2
)

// Options are the run policy flags shared by all strategies.
type Options struct {
	ContinueOnError  bool
	CleanupOnSuccess bool
	CleanupOnFailure bool
	// MaxConcurrency bounds tasks in flight per layer; zero means unbounded
	// for parallel plans and the hybrid default for hybrid plans.
	MaxConcurrency int
	Submit         bool
}

// Context carries the collaborators a strategy needs.
type Context struct {
	RepoPath string
	Executor executor.Executor
	Machine  *lifecycle.Machine
	// Stack is nil when stacking is unavailable.
	Stack   *stack.Engine
	Options Options
	Logger  *slog.Logger
	Events  observer.Observer
}

func (sc *Context) logger() *slog.Logger {
	if sc.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return sc.Logger
}

func (sc *Context) emit(p *plan.ExecutionPlan, event observer.Event) {
	if sc.Events == nil {
		return
	}
	event.PlanID = p.ID
	observer.Emit(sc.Events, event)
}

// Result is what a strategy reports beyond task states.
type Result struct {
	Halted   bool
	Branches []stack.Branch
	Warnings []stack.Warning
}

// Strategy executes a plan.
type Strategy interface {
	Name() plan.Strategy
	CanHandle(p *plan.ExecutionPlan, sc *Context) bool
	Execute(ctx context.Context, p *plan.ExecutionPlan, sc *Context) (Result, error)
}

func validate(p *plan.ExecutionPlan, sc *Context) error {
	switch {
	case p == nil:
		return errors.New("plan is required")
	case sc == nil:
		return errors.New("strategy context is required")
	case sc.Executor == nil:
		return errors.New("executor is required")
	case sc.Machine == nil:
		return errors.New("state machine is required")
	}
	return nil
}

// work performs one attempt of a running task.
type work func(ctx context.Context, t *task.ExecutionTask) (executor.Result, error)

// outcome is the settled state of a task after runTask.
type outcome int

const (
	outcomeNotRun outcome = iota
	outcomeCompleted
	outcomeFailed
)

// runTask drives a ready task through queued and running, retrying while the
// budget allows, then propagates the result to its dependents. Tasks that are
// not ready are left alone.
func runTask(ctx context.Context, p *plan.ExecutionPlan, sc *Context, t *task.ExecutionTask, do work) (outcome, error) {
	m := sc.Machine
	moved, err := m.TransitionFrom(t, state.TaskStateReady, state.TaskStateQueued, "dispatched")
	if err != nil || !moved {
		return outcomeNotRun, err
	}
	result, err := attempt(ctx, sc, t, do)
	if err != nil {
		return result, err
	}
	if err := m.PropagateDependents(p.OrderedTasks(), t.ID); err != nil {
		return result, fmt.Errorf("propagate %s: %w", t.ID, err)
	}
	return result, nil
}

func attempt(ctx context.Context, sc *Context, t *task.ExecutionTask, do work) (outcome, error) {
	m := sc.Machine
	log := sc.logger()
	for {
		if ctx.Err() != nil {
			if _, err := m.TransitionFrom(t, state.TaskStateQueued, state.TaskStateSkipped, lifecycle.ReasonCancelled); err != nil {
				return outcomeNotRun, err
			}
			return outcomeNotRun, nil
		}
		moved, err := m.TransitionFrom(t, state.TaskStateQueued, state.TaskStateRunning, "started")
		if err != nil {
			return outcomeNotRun, err
		}
		if !moved {
			return outcomeNotRun, nil
		}

		res, runErr := do(ctx, t)
		succeeded := runErr == nil && res.Succeeded()
		record := func(et *task.ExecutionTask) {
			et.Output = res.Output
			code := res.ExitCode
			et.ExitCode = &code
			et.Error = ""
			switch {
			case runErr != nil:
				et.Error = runErr.Error()
			case res.TimedOut:
				et.Error = "executor timed out"
			case !res.Succeeded():
				et.Error = fmt.Sprintf("executor exited with code %d", res.ExitCode)
			}
		}

		if succeeded {
			moved, err = m.TransitionFromWith(t, state.TaskStateRunning, state.TaskStateCompleted, "succeeded", record)
			if err != nil {
				return outcomeNotRun, err
			}
			if !moved {
				// Cancelled while the executor was finishing.
				return outcomeFailed, nil
			}
			log.Info("task completed", "task_id", t.ID, "files_changed", len(res.FilesChanged))
			return outcomeCompleted, nil
		}

		reason := "executor failed"
		if runErr != nil {
			reason = runErr.Error()
		}
		moved, err = m.TransitionFromWith(t, state.TaskStateRunning, state.TaskStateFailed, reason, record)
		if err != nil {
			return outcomeNotRun, err
		}
		if !moved || ctx.Err() != nil {
			return outcomeFailed, nil
		}
		log.Warn("task failed", "task_id", t.ID, "attempt", t.RetryCount+1, "err", t.Error)
		if !m.CanRetry(t) {
			return outcomeFailed, nil
		}
		if err := m.Retry(t, ""); err != nil {
			return outcomeFailed, err
		}
	}
}

// haltRemaining skips everything that never started.
func haltRemaining(ctx context.Context, p *plan.ExecutionPlan, sc *Context) error {
	reason := ReasonHalted
	if ctx.Err() != nil {
		reason = lifecycle.ReasonCancelled
	}
	skipped, err := sc.Machine.SkipRemaining(p.OrderedTasks(), reason)
	if err != nil {
		return fmt.Errorf("skip remaining tasks: %w", err)
	}
	if skipped > 0 {
		sc.logger().Info("remaining tasks skipped", "count", skipped, "reason", reason)
	}
	return nil
}

// sharedWork runs the executor in the main checkout.
func sharedWork(sc *Context) work {
	return func(ctx context.Context, t *task.ExecutionTask) (executor.Result, error) {
		return sc.Executor.Execute(ctx, &t.Task, sc.RepoPath, executor.ModeShared)
	}
}
