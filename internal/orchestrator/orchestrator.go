// Package orchestrator selects a strategy for a plan, runs it and aggregates
// the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cmtonkinson/stackrun/internal/lifecycle"
	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/stack"
	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/strategy"
)

// ErrAlreadyRunning is returned when Execute is called during another run.
var ErrAlreadyRunning = errors.New("orchestrator is already running a plan")

// Result summarizes one run.
type Result struct {
	PlanID    string
	Strategy  plan.Strategy
	Status    plan.Status
	Completed int
	Failed    int
	Skipped   int
	Halted    bool
	Branches  []stack.Branch
	Warnings  []stack.Warning
	Duration  time.Duration
	Estimate  plan.Estimate
}

// Config wires an Orchestrator.
type Config struct {
	// Context supplies collaborators; its Machine is replaced when nil.
	Context *strategy.Context
	// Strategies in fallback order; nil uses worktree, parallel, serial.
	Strategies []strategy.Strategy
	Observer   observer.Observer
	Logger     *slog.Logger
	// SizeUnit scales task cost into the reported estimate.
	SizeUnit time.Duration
	Now      func() time.Time
}

// Orchestrator drives one plan at a time.
type Orchestrator struct {
	sc         *strategy.Context
	strategies []strategy.Strategy
	observer   observer.Observer
	logger     *slog.Logger
	sizeUnit   time.Duration
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	current *plan.ExecutionPlan
}

// DefaultStrategies returns the fallback order.
func DefaultStrategies() []strategy.Strategy {
	return []strategy.Strategy{strategy.Worktree{}, strategy.Parallel{}, strategy.Serial{}}
}

// New builds an Orchestrator. The observer is attached to the state machine
// and the stacking engine so every notification reaches it.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Context == nil {
		return nil, errors.New("strategy context is required")
	}
	if cfg.Context.Executor == nil {
		return nil, errors.New("executor is required")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observer.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sc := *cfg.Context
	if sc.Machine == nil {
		sc.Machine = lifecycle.NewMachine(lifecycle.WithObserver(obs), lifecycle.WithClock(now))
	}
	if sc.Logger == nil {
		sc.Logger = logger
	}
	sc.Events = obs
	if sc.Stack != nil {
		sc.Stack.SetObserver(obs)
	}
	strategies := cfg.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	sizeUnit := cfg.SizeUnit
	if sizeUnit <= 0 {
		sizeUnit = 30 * time.Minute
	}
	return &Orchestrator{
		sc:         &sc,
		strategies: strategies,
		observer:   obs,
		logger:     logger,
		sizeUnit:   sizeUnit,
		now:        now,
	}, nil
}

// Select honors requested when that strategy can handle the plan, otherwise
// returns the first strategy in fallback order that can. Hybrid requests are
// served by the parallel strategy.
func (o *Orchestrator) Select(requested plan.Strategy, p *plan.ExecutionPlan) (strategy.Strategy, error) {
	if requested == plan.StrategyHybrid {
		requested = plan.StrategyParallel
	}
	if requested != plan.StrategyAuto {
		for _, s := range o.strategies {
			if s.Name() == requested && s.CanHandle(p, o.sc) {
				return s, nil
			}
		}
		o.logger.Info("requested strategy cannot handle plan; falling back", "requested", requested)
	}
	for _, s := range o.strategies {
		if s.CanHandle(p, o.sc) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no strategy can handle plan %s", p.ID)
}

// Execute runs the plan with the selected strategy. An empty request uses
// the strategy recorded on the plan. Task failures are part of the result;
// an error means the run itself broke.
func (o *Orchestrator) Execute(ctx context.Context, p *plan.ExecutionPlan, requested plan.Strategy) (Result, error) {
	if p == nil {
		return Result{}, errors.New("plan is required")
	}
	if requested == plan.StrategyAuto {
		requested = p.Strategy
	}
	selected, err := o.Select(requested, p)
	if err != nil {
		return Result{}, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	o.current = p
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.current = nil
		o.cancel = nil
		o.mu.Unlock()
	}()

	if o.sc.Stack != nil {
		o.sc.Stack.SetPlanID(p.ID)
	}
	start := o.now()
	p.Status = plan.StatusRunning
	o.logger.Info("plan started", "plan_id", p.ID, "strategy", selected.Name(), "tasks", len(p.Tasks), "layers", len(p.Layers))
	observer.Emit(o.observer, observer.Event{
		Type:    observer.EventPlanStarted,
		PlanID:  p.ID,
		Message: string(selected.Name()),
		Fields:  map[string]string{"strategy": string(selected.Name())},
	})

	outcome, runErr := selected.Execute(runCtx, p, o.sc)

	result := o.aggregate(p, selected.Name(), outcome, o.now().Sub(start))
	switch {
	case runCtx.Err() != nil:
		p.Status = plan.StatusCancelled
	case runErr != nil:
		p.Status = plan.StatusFailed
	default:
		p.Status = p.SettledStatus()
	}
	result.Status = p.Status
	observer.Emit(o.observer, observer.Event{
		Type:    observer.EventPlanFinished,
		PlanID:  p.ID,
		Message: string(result.Status),
		Fields: map[string]string{
			"completed": fmt.Sprint(result.Completed),
			"failed":    fmt.Sprint(result.Failed),
			"skipped":   fmt.Sprint(result.Skipped),
		},
	})
	o.logger.Info("plan finished", "plan_id", p.ID, "status", result.Status,
		"completed", result.Completed, "failed", result.Failed, "skipped", result.Skipped,
		"duration", result.Duration)
	if runErr != nil {
		return result, fmt.Errorf("execute plan %s with %s: %w", p.ID, selected.Name(), runErr)
	}
	return result, nil
}

// Cancel stops the active run. Running tasks fail with reason cancelled and
// their executor processes are terminated through the run context. Worktree
// teardown is not guaranteed.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	p, cancel := o.current, o.cancel
	o.mu.Unlock()
	if p == nil {
		return nil
	}
	cancelled, err := o.sc.Machine.CancelRunning(p.OrderedTasks())
	cancel()
	observer.Emit(o.observer, observer.Event{
		Type:    observer.EventPlanCancelled,
		PlanID:  p.ID,
		Message: fmt.Sprintf("cancelled with %d running tasks", len(cancelled)),
	})
	if err != nil {
		return fmt.Errorf("cancel running tasks: %w", err)
	}
	return nil
}

func (o *Orchestrator) aggregate(p *plan.ExecutionPlan, name plan.Strategy, outcome strategy.Result, elapsed time.Duration) Result {
	counts := p.Counts()
	return Result{
		PlanID:    p.ID,
		Strategy:  name,
		Completed: counts[state.TaskStateCompleted],
		Failed:    counts[state.TaskStateFailed],
		Skipped:   counts[state.TaskStateSkipped],
		Halted:    outcome.Halted,
		Branches:  outcome.Branches,
		Warnings:  outcome.Warnings,
		Duration:  elapsed,
		Estimate:  plan.EstimateExecutionTime(p, o.sizeUnit),
	}
}
