// Package dag renders an execution plan as a layered table.
package dag

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/state"
)

const (
	layerColumnWidth  = 5
	idColumnWidth     = 12
	stateColumnWidth  = 10
	depsColumnWidth   = 18
	blocksColumnWidth = 18
	branchColumnWidth = 24
	titleColumnWidth  = 36
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	cellStyle = lipgloss.NewStyle()

	separatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	summaryStyle = lipgloss.NewStyle().
			Bold(true)

	stateStyles = map[state.TaskState]lipgloss.Style{
		state.TaskStateCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		state.TaskStateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		state.TaskStateSkipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		state.TaskStateRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	}
)

// Summary is the renderable view of a plan.
type Summary struct {
	PlanID    string
	Strategy  string
	Status    string
	Layers    int
	Rows      []TaskRow
	Counts    map[state.TaskState]int
	Estimate  plan.Estimate
	Speedup   float64
	Parallel  int
	TotalCost int
}

// TaskRow is one task line.
type TaskRow struct {
	Layer     int
	ID        string
	State     state.TaskState
	DependsOn string
	Blocks    string
	Branch    string
	Title     string
}

// GetSummary builds a summary of p. Rows follow layer order, then declaration
// order within a layer.
func GetSummary(p *plan.ExecutionPlan, unit time.Duration) Summary {
	summary := Summary{
		PlanID:    p.ID,
		Strategy:  strategyLabel(p.Strategy),
		Status:    string(p.Status),
		Layers:    len(p.Layers),
		Counts:    p.Counts(),
		Estimate:  plan.EstimateExecutionTime(p, unit),
		Speedup:   p.Analysis.EstimatedSpeedup,
		Parallel:  p.Analysis.MaxParallelization,
		TotalCost: p.Analysis.SerialCost,
	}

	blockedBy := make(map[string][]string)
	for _, id := range p.Order {
		for _, dep := range p.Tasks[id].Requires {
			blockedBy[dep] = append(blockedBy[dep], id)
		}
	}

	for i, layer := range p.Layers {
		for _, t := range layer {
			summary.Rows = append(summary.Rows, TaskRow{
				Layer:     i,
				ID:        t.ID,
				State:     t.State,
				DependsOn: joinOrDash(t.Requires),
				Blocks:    joinOrDash(blockedBy[t.ID]),
				Branch:    orDash(t.Branch),
				Title:     t.DisplayTitle(),
			})
		}
	}
	return summary
}

// String returns the formatted table.
func (s Summary) String() string {
	var b strings.Builder

	b.WriteString(summaryStyle.Render(fmt.Sprintf(
		"Plan %s: %d tasks in %d layers, strategy %s, status %s",
		shortID(s.PlanID), len(s.Rows), s.Layers, s.Strategy, s.Status,
	)))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf(
		"width %d, speedup %.2fx, estimate %s serial / %s layered\n",
		s.Parallel, s.Speedup, s.Estimate.Serial, s.Estimate.Layered,
	))
	if counts := s.countsLine(); counts != "" {
		b.WriteString(counts)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if len(s.Rows) == 0 {
		b.WriteString("No tasks found.\n")
		return b.String()
	}

	headers := []string{
		padRight("Layer", layerColumnWidth),
		padRight("ID", idColumnWidth),
		padRight("State", stateColumnWidth),
		padRight("Depends On", depsColumnWidth),
		padRight("Blocks", blocksColumnWidth),
		padRight("Branch", branchColumnWidth),
		"Title",
	}
	b.WriteString(headerStyle.Render(strings.Join(headers, "  ")))
	b.WriteString("\n")

	totalWidth := layerColumnWidth + idColumnWidth + stateColumnWidth + depsColumnWidth +
		blocksColumnWidth + branchColumnWidth + titleColumnWidth + 12
	b.WriteString(separatorStyle.Render(strings.Repeat("─", totalWidth)))
	b.WriteString("\n")

	for _, row := range s.Rows {
		stateCell := padRight(string(row.State), stateColumnWidth)
		if style, ok := stateStyles[row.State]; ok {
			stateCell = style.Render(stateCell)
		}
		line := fmt.Sprintf("%s  %s  %s  %s  %s  %s  %s",
			padRight(fmt.Sprint(row.Layer), layerColumnWidth),
			padRight(row.ID, idColumnWidth),
			stateCell,
			padRight(row.DependsOn, depsColumnWidth),
			padRight(row.Blocks, blocksColumnWidth),
			padRight(row.Branch, branchColumnWidth),
			truncate(row.Title, titleColumnWidth),
		)
		b.WriteString(cellStyle.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

// countsLine lists non-zero state counts in lifecycle order.
func (s Summary) countsLine() string {
	var parts []string
	for _, st := range state.AllStates() {
		if n := s.Counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	return strings.Join(parts, ", ")
}

func strategyLabel(s plan.Strategy) string {
	if s == plan.StrategyAuto {
		return "auto"
	}
	return string(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func joinOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// padRight pads s to width, cutting longer values.
func padRight(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

// truncate cuts s to width with an ellipsis.
func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}
