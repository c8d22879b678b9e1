package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmtonkinson/stackrun/internal/executor"
	"github.com/cmtonkinson/stackrun/internal/lifecycle"
	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/strategy"
	"github.com/cmtonkinson/stackrun/internal/task"
)

func tk(id string, requires ...string) task.Task {
	return task.Task{ID: id, Requires: requires, EstimatedSize: task.SizeSmall}
}

func newPlan(t *testing.T, tasks ...task.Task) *plan.ExecutionPlan {
	t.Helper()
	p, err := plan.New(tasks, plan.Options{})
	require.NoError(t, err)
	return p
}

func succeed(context.Context, *task.Task, string, executor.Mode) (executor.Result, error) {
	return executor.Result{Status: executor.StatusSuccess}, nil
}

func newOrchestrator(t *testing.T, exe executor.Executor, rec *observer.Recorder) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Context:  &strategy.Context{RepoPath: t.TempDir(), Executor: exe},
		Observer: rec,
	})
	require.NoError(t, err)
	return o
}

// TestSelectFallsBackWhenRequestCannotRun verifies fallback order and hybrid mapping.
func TestSelectFallsBackWhenRequestCannotRun(t *testing.T) {
	o := newOrchestrator(t, executor.Func(succeed), &observer.Recorder{})
	wide := newPlan(t, tk("a"), tk("b"), tk("c", "a", "b"))
	chain := newPlan(t, tk("a"), tk("b", "a"))

	cases := []struct {
		name      string
		requested plan.Strategy
		p         *plan.ExecutionPlan
		want      plan.Strategy
	}{
		{"worktree without stack", plan.StrategyWorktree, wide, plan.StrategyParallel},
		{"auto on wide plan", plan.StrategyAuto, wide, plan.StrategyParallel},
		{"hybrid maps to parallel", plan.StrategyHybrid, wide, plan.StrategyParallel},
		{"explicit serial", plan.StrategySerial, wide, plan.StrategySerial},
		{"parallel on chain", plan.StrategyParallel, chain, plan.StrategySerial},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := o.Select(tc.requested, tc.p)
			require.NoError(t, err)
			assert.Equal(t, tc.want, s.Name())
		})
	}
}

// TestExecuteAggregatesPartialRun verifies counts, status and lifecycle events.
func TestExecuteAggregatesPartialRun(t *testing.T) {
	rec := &observer.Recorder{}
	exe := executor.Func(func(_ context.Context, tt *task.Task, _ string, _ executor.Mode) (executor.Result, error) {
		if tt.ID == "b" {
			return executor.Result{Status: executor.StatusFailure, ExitCode: 2}, nil
		}
		return executor.Result{Status: executor.StatusSuccess}, nil
	})
	o := newOrchestrator(t, exe, rec)
	p := newPlan(t, tk("a"), tk("b", "a"), tk("c", "b"))

	result, err := o.Execute(context.Background(), p, plan.StrategySerial)
	require.NoError(t, err)

	assert.Equal(t, p.ID, result.PlanID)
	assert.Equal(t, plan.StrategySerial, result.Strategy)
	assert.Equal(t, plan.StatusPartial, result.Status)
	assert.Equal(t, plan.StatusPartial, p.Status)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 3*time.Duration(task.SizeSmall.Cost())*30*time.Minute, result.Estimate.Serial)
	require.Len(t, rec.EventsOfType(observer.EventPlanStarted), 1)
	finished := rec.EventsOfType(observer.EventPlanFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, string(plan.StatusPartial), finished[0].Message)
	assert.NotEmpty(t, rec.Transitions())
}

// TestExecuteCompletedPlan verifies a clean run settles as completed.
func TestExecuteCompletedPlan(t *testing.T) {
	o := newOrchestrator(t, executor.Func(succeed), &observer.Recorder{})
	p := newPlan(t, tk("a"), tk("b"), tk("c", "a", "b"))

	result, err := o.Execute(context.Background(), p, plan.StrategyAuto)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, result.Status)
	assert.Equal(t, 3, result.Completed)
}

// TestCancelFailsRunningTasksAndSkipsTheRest verifies Cancel during a run.
func TestCancelFailsRunningTasksAndSkipsTheRest(t *testing.T) {
	rec := &observer.Recorder{}
	started := make(chan struct{})
	var once sync.Once
	exe := executor.Func(func(ctx context.Context, _ *task.Task, _ string, _ executor.Mode) (executor.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return executor.Result{Status: executor.StatusFailure, ExitCode: -1}, nil
	})
	o := newOrchestrator(t, exe, rec)
	p := newPlan(t, tk("a"), tk("b", "a"))

	done := make(chan Result, 1)
	go func() {
		result, _ := o.Execute(context.Background(), p, plan.StrategySerial)
		done <- result
	}()
	<-started
	require.NoError(t, o.Cancel())

	var result Result
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	assert.Equal(t, plan.StatusCancelled, result.Status)
	a, _ := p.Task("a")
	b, _ := p.Task("b")
	assert.Equal(t, state.TaskStateFailed, a.State)
	last, _ := a.LastTransition()
	assert.Equal(t, lifecycle.ReasonCancelled, last.Reason)
	assert.Equal(t, state.TaskStateSkipped, b.State)
	assert.Len(t, rec.EventsOfType(observer.EventPlanCancelled), 1)
}

// TestCancelWithoutRunIsNoop verifies Cancel outside a run does nothing.
func TestCancelWithoutRunIsNoop(t *testing.T) {
	rec := &observer.Recorder{}
	o := newOrchestrator(t, executor.Func(succeed), rec)
	require.NoError(t, o.Cancel())
	assert.Empty(t, rec.Events())
}

// TestNewRequiresExecutor verifies constructor validation.
func TestNewRequiresExecutor(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Context: &strategy.Context{}})
	require.Error(t, err)
}
