// Package plan turns a flat task list into ordered execution layers and
// selects an execution strategy for them.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cmtonkinson/stackrun/internal/slug"
	"github.com/cmtonkinson/stackrun/internal/task"
)

// ValidationKind classifies a dependency graph problem.
type ValidationKind string

const (
	// KindEmptyPlan reports a plan with no tasks.
	KindEmptyPlan ValidationKind = "empty_plan"
	// KindDuplicateTask reports two tasks sharing an id.
	KindDuplicateTask ValidationKind = "duplicate_task"
	// KindMissingDependency reports a requires edge to an unknown id.
	KindMissingDependency ValidationKind = "missing_dependency"
	// KindInvalidTask reports an id unusable as a file or branch name.
	KindInvalidTask ValidationKind = "invalid_task"
	// KindCycleDetected reports tasks that can never be scheduled.
	KindCycleDetected ValidationKind = "cycle_detected"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("invalid dependency graph")
	// ErrCycleDetected matches cycle validation errors.
	ErrCycleDetected = errors.New("cycle detected")
)

// ValidationError reports a cyclic or malformed dependency graph.
type ValidationError struct {
	Kind    ValidationKind
	TaskIDs []string
	Detail  string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindCycleDetected:
		return fmt.Sprintf("cycle detected among tasks: %s", strings.Join(e.TaskIDs, ", "))
	case KindEmptyPlan:
		return "plan must have at least one task"
	default:
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s", strings.ReplaceAll(string(e.Kind), "_", " "), e.Detail)
		}
		return fmt.Sprintf("%s: %s", strings.ReplaceAll(string(e.Kind), "_", " "), strings.Join(e.TaskIDs, ", "))
	}
}

// Is lets errors.Is match ErrValidation and, for cycles, ErrCycleDetected.
func (e *ValidationError) Is(target error) bool {
	if target == ErrValidation {
		return true
	}
	return target == ErrCycleDetected && e.Kind == KindCycleDetected
}

// Validate checks ids and dependency references without layering.
func Validate(tasks []task.Task) error {
	ids := make(map[string]struct{}, len(tasks))
	components := make(map[string]string, len(tasks))
	for _, t := range tasks {
		if err := task.ValidateID(t.ID); err != nil {
			return &ValidationError{Kind: KindInvalidTask, TaskIDs: []string{t.ID}, Detail: err.Error()}
		}
		if _, ok := ids[t.ID]; ok {
			return &ValidationError{Kind: KindDuplicateTask, TaskIDs: []string{t.ID}, Detail: fmt.Sprintf("task id %q declared more than once", t.ID)}
		}
		ids[t.ID] = struct{}{}

		component := slug.RefComponent(t.ID)
		if component == "" {
			return &ValidationError{Kind: KindInvalidTask, TaskIDs: []string{t.ID}, Detail: fmt.Sprintf("task id %q has no branch-safe characters", t.ID)}
		}
		if other, ok := components[component]; ok {
			return &ValidationError{
				Kind:    KindInvalidTask,
				TaskIDs: []string{other, t.ID},
				Detail:  fmt.Sprintf("task ids %q and %q share branch name %q", other, t.ID, component),
			}
		}
		components[component] = t.ID
	}
	for _, t := range tasks {
		for _, dep := range t.Requires {
			if _, ok := ids[dep]; !ok {
				return &ValidationError{
					Kind:    KindMissingDependency,
					TaskIDs: []string{t.ID, dep},
					Detail:  fmt.Sprintf("task %s requires unknown task %s", t.ID, dep),
				}
			}
		}
	}
	return nil
}

// Layer assigns every task to the earliest layer after all of its
// dependencies. Each layer keeps declaration order.
func Layer(tasks []task.Task) ([][]string, error) {
	if err := Validate(tasks); err != nil {
		return nil, err
	}
	requires := requiresByID(tasks)
	assigned := make(map[string]struct{}, len(tasks))
	remaining := make([]string, 0, len(tasks))
	for _, t := range tasks {
		remaining = append(remaining, t.ID)
	}

	var layers [][]string
	for len(remaining) > 0 {
		var layer []string
		var rest []string
		for _, id := range remaining {
			if dependenciesAssigned(requires[id], assigned) {
				layer = append(layer, id)
			} else {
				rest = append(rest, id)
			}
		}
		if len(layer) == 0 {
			unresolved := append([]string(nil), rest...)
			sort.Strings(unresolved)
			return nil, &ValidationError{Kind: KindCycleDetected, TaskIDs: unresolved}
		}
		// Assign after the scan so a layer never satisfies its own members.
		for _, id := range layer {
			assigned[id] = struct{}{}
		}
		layers = append(layers, layer)
		remaining = rest
	}
	return layers, nil
}

// TopologicalOrder returns dependencies before dependents, breaking ties by
// declaration order.
func TopologicalOrder(tasks []task.Task) ([]string, error) {
	if err := Validate(tasks); err != nil {
		return nil, err
	}
	position := make(map[string]int, len(tasks))
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	requires := requiresByID(tasks)
	for i, t := range tasks {
		position[t.ID] = i
		indegree[t.ID] = len(requires[t.ID])
		for _, dep := range requires[t.ID] {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var available []string
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			available = append(available, t.ID)
		}
	}
	order := make([]string, 0, len(tasks))
	for len(available) > 0 {
		sort.SliceStable(available, func(i, j int) bool {
			return position[available[i]] < position[available[j]]
		})
		next := available[0]
		available = available[1:]
		order = append(order, next)
		for _, child := range dependents[next] {
			indegree[child]--
			if indegree[child] == 0 {
				available = append(available, child)
			}
		}
	}
	if len(order) != len(tasks) {
		var unresolved []string
		for _, t := range tasks {
			if indegree[t.ID] > 0 {
				unresolved = append(unresolved, t.ID)
			}
		}
		sort.Strings(unresolved)
		return nil, &ValidationError{Kind: KindCycleDetected, TaskIDs: unresolved}
	}
	return order, nil
}

// requiresByID maps ids to deduplicated dependency lists.
func requiresByID(tasks []task.Task) map[string][]string {
	out := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		seen := make(map[string]struct{}, len(t.Requires))
		deps := make([]string, 0, len(t.Requires))
		for _, dep := range t.Requires {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			deps = append(deps, dep)
		}
		out[t.ID] = deps
	}
	return out
}

func dependenciesAssigned(deps []string, assigned map[string]struct{}) bool {
	for _, dep := range deps {
		if _, ok := assigned[dep]; !ok {
			return false
		}
	}
	return true
}
