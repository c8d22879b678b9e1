package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cmtonkinson/stackrun/internal/executor"
	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/stack"
	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/task"
	"github.com/cmtonkinson/stackrun/internal/worktree"
)

// Worktree runs each task in its own worktree based on its parent branch and
// stacks every successful result as a branch in the main repository.
type Worktree struct{}

// Name implements Strategy.
func (Worktree) Name() plan.Strategy {
	return plan.StrategyWorktree
}

// CanHandle implements Strategy.
func (Worktree) CanHandle(p *plan.ExecutionPlan, sc *Context) bool {
	return p != nil && sc != nil && sc.Executor != nil && sc.Stack != nil
}

// worktreeRun tracks the latest worktree of every task for stacking and cleanup.
type worktreeRun struct {
	mu       sync.Mutex
	contexts map[string]worktree.Context
	order    []string
}

func (r *worktreeRun) set(wt worktree.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[wt.TaskID]; !ok {
		r.order = append(r.order, wt.TaskID)
	}
	r.contexts[wt.TaskID] = wt
}

func (r *worktreeRun) get(taskID string) (worktree.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wt, ok := r.contexts[taskID]
	return wt, ok
}

// Execute implements Strategy.
func (Worktree) Execute(ctx context.Context, p *plan.ExecutionPlan, sc *Context) (result Result, err error) {
	if err := validate(p, sc); err != nil {
		return Result{}, err
	}
	if sc.Stack == nil {
		return Result{}, errors.New("stacking engine is required")
	}
	if err := sc.Machine.InitializeReadiness(p.OrderedTasks()); err != nil {
		return Result{}, fmt.Errorf("initialize readiness: %w", err)
	}
	engine := sc.Stack
	run := &worktreeRun{contexts: map[string]worktree.Context{}}
	defer func() {
		cleanup(context.WithoutCancel(ctx), p, sc, run)
		result.Branches = engine.Branches()
		result.Warnings = engine.Warnings()
	}()

	limit := concurrencyLimit(p, sc.Options)
	do := isolatedWork(sc, run)
	for index, layer := range p.Layers {
		if ctx.Err() != nil {
			result.Halted = true
			break
		}
		failed, err := runLayer(ctx, p, sc, index, layer, limit, do)
		if err != nil {
			return result, err
		}
		stackLayer(ctx, p, sc, layer, run)
		if failed > 0 && !sc.Options.ContinueOnError {
			result.Halted = true
			break
		}
	}
	if result.Halted || ctx.Err() != nil {
		result.Halted = true
		if err := haltRemaining(ctx, p, sc); err != nil {
			return result, err
		}
	}
	if ctx.Err() != nil {
		return result, nil
	}

	engine.Restack(ctx)
	if sc.Options.Submit {
		if err := engine.Submit(ctx); err != nil {
			sc.logger().Warn("stack submit failed", "err", err)
			sc.emit(p, observer.Event{Type: observer.EventStackWarning, Message: err.Error()})
		}
	}
	return result, nil
}

// isolatedWork creates a fresh worktree from the task's parent branch, runs
// the executor inside it and harvests the resulting commit.
func isolatedWork(sc *Context, run *worktreeRun) work {
	return func(ctx context.Context, t *task.ExecutionTask) (executor.Result, error) {
		contexts, err := sc.Stack.CreateWorktreesForTasks(ctx, []*task.ExecutionTask{t}, "")
		if err != nil {
			return executor.Result{}, err
		}
		wt := contexts[0]
		run.set(wt)
		res, err := sc.Executor.Execute(ctx, &t.Task, wt.Path, executor.ModeWorktree)
		if err != nil || !res.Succeeded() {
			return res, err
		}
		if _, err := sc.Stack.HarvestCommit(ctx, t, wt); err != nil {
			return res, err
		}
		return res, nil
	}
}

// stackLayer fetches and stacks the completed tasks of a layer one at a time
// in declaration order. Stack failures are warnings; the tasks stay completed.
func stackLayer(ctx context.Context, p *plan.ExecutionPlan, sc *Context, layer []*task.ExecutionTask, run *worktreeRun) {
	var completed []*task.ExecutionTask
	var contexts []worktree.Context
	for _, t := range layer {
		if t.State != state.TaskStateCompleted {
			continue
		}
		wt, ok := run.get(t.ID)
		if !ok {
			continue
		}
		completed = append(completed, t)
		contexts = append(contexts, wt)
	}
	if len(completed) == 0 {
		return
	}
	if err := sc.Stack.FetchWorktreeCommits(ctx, completed, contexts); err != nil {
		sc.logger().Warn("some worktree commits could not be fetched", "err", err)
	}
	for i, t := range completed {
		if _, err := sc.Stack.AddTaskToStack(ctx, t, contexts[i]); err != nil {
			var trackErr *stack.StackTrackingError
			if !errors.As(err, &trackErr) {
				sc.logger().Warn("task could not be stacked", "task_id", t.ID, "err", err)
				sc.emit(p, observer.Event{
					Type:    observer.EventStackWarning,
					TaskID:  t.ID,
					Message: err.Error(),
				})
			}
		}
	}
}

// cleanup removes worktrees according to the success and failure policies.
func cleanup(ctx context.Context, p *plan.ExecutionPlan, sc *Context, run *worktreeRun) {
	var remove []worktree.Context
	for _, id := range run.order {
		wt, _ := run.get(id)
		t, ok := p.Task(id)
		if !ok {
			continue
		}
		if t.State == state.TaskStateCompleted && sc.Options.CleanupOnSuccess ||
			t.State != state.TaskStateCompleted && sc.Options.CleanupOnFailure {
			remove = append(remove, wt)
		}
	}
	if len(remove) == 0 {
		return
	}
	if err := sc.Stack.CleanupWorktrees(ctx, remove); err != nil {
		sc.logger().Warn("worktree cleanup incomplete", "err", err, "count", len(remove))
	}
}
