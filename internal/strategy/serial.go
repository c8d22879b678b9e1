package strategy

import (
	"context"
	"fmt"

	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/task"
)

// Serial runs one task at a time in topological order.
type Serial struct{}

// Name implements Strategy.
func (Serial) Name() plan.Strategy {
	return plan.StrategySerial
}

// CanHandle implements Strategy. Serial is the terminal fallback.
func (Serial) CanHandle(*plan.ExecutionPlan, *Context) bool {
	return true
}

// Execute implements Strategy.
func (Serial) Execute(ctx context.Context, p *plan.ExecutionPlan, sc *Context) (Result, error) {
	if err := validate(p, sc); err != nil {
		return Result{}, err
	}
	tasks := make([]task.Task, 0, len(p.Order))
	for _, et := range p.OrderedTasks() {
		tasks = append(tasks, et.Task)
	}
	order, err := plan.TopologicalOrder(tasks)
	if err != nil {
		return Result{}, err
	}
	if err := sc.Machine.InitializeReadiness(p.OrderedTasks()); err != nil {
		return Result{}, fmt.Errorf("initialize readiness: %w", err)
	}

	do := sharedWork(sc)
	var result Result
	for _, id := range order {
		if ctx.Err() != nil {
			result.Halted = true
			break
		}
		out, err := runTask(ctx, p, sc, p.Tasks[id], do)
		if err != nil {
			return result, err
		}
		if out == outcomeFailed && !sc.Options.ContinueOnError {
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
	return result, nil
}
