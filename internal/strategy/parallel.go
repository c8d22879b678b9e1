package strategy

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/task"
)

// Parallel runs each layer concurrently in the shared checkout and waits for
// the whole layer before deciding whether to continue. It also executes
// hybrid plans, with a concurrency bound.
type Parallel struct{}

// Name implements Strategy.
func (Parallel) Name() plan.Strategy {
	return plan.StrategyParallel
}

// CanHandle implements Strategy. Plans with no layer wider than one task
// gain nothing from it.
func (Parallel) CanHandle(p *plan.ExecutionPlan, sc *Context) bool {
	if p == nil || sc == nil || sc.Executor == nil {
		return false
	}
	for _, layer := range p.Layers {
		if len(layer) > 1 {
			return true
		}
	}
	return false
}

// Execute implements Strategy.
func (Parallel) Execute(ctx context.Context, p *plan.ExecutionPlan, sc *Context) (Result, error) {
	if err := validate(p, sc); err != nil {
		return Result{}, err
	}
	if err := sc.Machine.InitializeReadiness(p.OrderedTasks()); err != nil {
		return Result{}, fmt.Errorf("initialize readiness: %w", err)
	}
	limit := concurrencyLimit(p, sc.Options)
	do := sharedWork(sc)

	var result Result
	for index, layer := range p.Layers {
		if ctx.Err() != nil {
			result.Halted = true
			break
		}
		failed, err := runLayer(ctx, p, sc, index, layer, limit, do)
		if err != nil {
			return result, err
		}
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
	return result, nil
}

// concurrencyLimit returns the errgroup limit for the plan; -1 is unbounded.
func concurrencyLimit(p *plan.ExecutionPlan, opts Options) int {
	if opts.MaxConcurrency > 0 {
		return opts.MaxConcurrency
	}
	if p.Strategy == plan.StrategyHybrid {
		return defaultHybridConcurrency
	}
	return -1
}

// runLayer dispatches every ready task of the layer and waits for all of
// them. A failing task never cancels its siblings. It returns the number of
// failed tasks.
func runLayer(ctx context.Context, p *plan.ExecutionPlan, sc *Context, index int, layer []*task.ExecutionTask, limit int, do work) (int, error) {
	sc.emit(p, observer.Event{
		Type:    observer.EventLayerStarted,
		Message: fmt.Sprintf("layer %d", index),
		Fields:  map[string]string{"layer": strconv.Itoa(index), "tasks": strconv.Itoa(len(layer))},
	})

	var group errgroup.Group
	group.SetLimit(limit)
	var mu sync.Mutex
	failed := 0
	for _, t := range layer {
		group.Go(func() error {
			out, err := runTask(ctx, p, sc, t, do)
			if out == outcomeFailed {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return err
		})
	}
	err := group.Wait()

	sc.emit(p, observer.Event{
		Type:    observer.EventLayerFinished,
		Message: fmt.Sprintf("layer %d", index),
		Fields:  map[string]string{"layer": strconv.Itoa(index), "failed": strconv.Itoa(failed)},
	})
	return failed, err
}
