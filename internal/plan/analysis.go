package plan

import (
	"time"

	"github.com/cmtonkinson/stackrun/internal/task"
)

// Strategy names how a plan is executed.
type Strategy string

const (
	// StrategyAuto lets the orchestrator pick the first capable strategy.
	StrategyAuto Strategy = ""
	// StrategySerial runs one task at a time in topological order.
	StrategySerial Strategy = "serial"
	// StrategyParallel runs each layer fully concurrently.
	StrategyParallel Strategy = "parallel"
	// StrategyHybrid runs layers concurrently under a concurrency bound.
	StrategyHybrid Strategy = "hybrid"
	// StrategyWorktree runs layers in isolated worktrees and stacks the results.
	StrategyWorktree Strategy = "worktree"
)

const (
	// speedupFloor is the estimated speedup at or below which serial wins.
	speedupFloor = 1.2
	// parallelMinWidth is the layer width required to recommend full parallelism.
	parallelMinWidth = 3
	// parallelMinSpeedup is the speedup required to recommend full parallelism.
	parallelMinSpeedup = 2.0
)

// ParseStrategy validates a strategy name; empty and "auto" yield StrategyAuto.
func ParseStrategy(value string) (Strategy, bool) {
	switch Strategy(value) {
	case StrategyAuto, "auto":
		return StrategyAuto, true
	case StrategySerial, StrategyParallel, StrategyHybrid, StrategyWorktree:
		return Strategy(value), true
	default:
		return "", false
	}
}

// Analysis summarizes the shape and cost of a task graph.
type Analysis struct {
	Valid              bool
	Err                error
	TaskCount          int
	Layers             [][]string
	MaxParallelization int
	SerialCost         int
	CriticalPathCost   int
	EstimatedSpeedup   float64
	Recommended        Strategy
}

// Analyze layers the tasks and computes parallelism metrics. Invalid graphs
// produce an Analysis with Valid false rather than an error.
func Analyze(tasks []task.Task) Analysis {
	analysis := Analysis{TaskCount: len(tasks)}
	layers, err := Layer(tasks)
	if err != nil {
		analysis.Err = err
		analysis.Recommended = Recommend(analysis)
		return analysis
	}
	analysis.Valid = true
	analysis.Layers = layers
	for _, layer := range layers {
		if len(layer) > analysis.MaxParallelization {
			analysis.MaxParallelization = len(layer)
		}
	}

	costs := make(map[string]int, len(tasks))
	for _, t := range tasks {
		costs[t.ID] = t.Cost()
		analysis.SerialCost += t.Cost()
	}
	analysis.CriticalPathCost = criticalPathCost(tasks, layers, costs)
	if analysis.CriticalPathCost > 0 {
		analysis.EstimatedSpeedup = float64(analysis.SerialCost) / float64(analysis.CriticalPathCost)
	}
	analysis.Recommended = Recommend(analysis)
	return analysis
}

// criticalPathCost returns the heaviest dependency chain. Layers are already
// topologically ordered, so one pass suffices.
func criticalPathCost(tasks []task.Task, layers [][]string, costs map[string]int) int {
	requires := requiresByID(tasks)
	finish := make(map[string]int, len(tasks))
	longest := 0
	for _, layer := range layers {
		for _, id := range layer {
			start := 0
			for _, dep := range requires[id] {
				if finish[dep] > start {
					start = finish[dep]
				}
			}
			finish[id] = start + costs[id]
			if finish[id] > longest {
				longest = finish[id]
			}
		}
	}
	return longest
}

// Recommend applies the strategy rules in order.
func Recommend(a Analysis) Strategy {
	switch {
	case !a.Valid:
		return StrategySerial
	case a.TaskCount <= 1:
		return StrategySerial
	case a.MaxParallelization <= 1:
		return StrategySerial
	case a.EstimatedSpeedup <= speedupFloor:
		return StrategySerial
	case a.MaxParallelization >= parallelMinWidth && a.EstimatedSpeedup >= parallelMinSpeedup:
		return StrategyParallel
	default:
		return StrategyHybrid
	}
}

// resolveStrategy honors a requested strategy only when the plan shape allows it.
func resolveStrategy(requested Strategy, a Analysis) Strategy {
	switch requested {
	case StrategyAuto:
		return a.Recommended
	case StrategyParallel, StrategyHybrid:
		if a.MaxParallelization <= 1 {
			return StrategySerial
		}
		return requested
	default:
		return requested
	}
}

// Estimate reports projected wall-clock time. It is never used for scheduling.
type Estimate struct {
	Serial  time.Duration
	Layered time.Duration
}

// EstimateExecutionTime sums task costs serially and the per-layer maximum
// cost across layers, scaled by unit per cost point.
func EstimateExecutionTime(p *ExecutionPlan, unit time.Duration) Estimate {
	if p == nil {
		return Estimate{}
	}
	var serial, layered int
	for _, id := range p.Order {
		serial += p.Tasks[id].Cost()
	}
	for _, layer := range p.Layers {
		widest := 0
		for _, t := range layer {
			if t.Cost() > widest {
				widest = t.Cost()
			}
		}
		layered += widest
	}
	return Estimate{
		Serial:  time.Duration(serial) * unit,
		Layered: time.Duration(layered) * unit,
	}
}
