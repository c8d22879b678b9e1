package dag

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/task"
)

func diamond(t *testing.T) *plan.ExecutionPlan {
	t.Helper()
	p, err := plan.New([]task.Task{
		{ID: "A", Title: "Schema"},
		{ID: "B", Title: "API", Requires: []string{"A"}},
		{ID: "C", Title: "CLI", Requires: []string{"A"}},
		{ID: "D", Title: "Docs", Requires: []string{"B", "C"}},
	}, plan.Options{Requested: plan.StrategyParallel})
	require.NoError(t, err)
	return p
}

// TestGetSummaryFollowsLayers verifies row order, dependency columns and branches.
func TestGetSummaryFollowsLayers(t *testing.T) {
	p := diamond(t)
	a, _ := p.Task("A")
	a.State = state.TaskStateCompleted
	a.Branch = "stackrun/A-x1"

	summary := GetSummary(p, time.Minute)

	require.Len(t, summary.Rows, 4)
	ids := make([]string, 0, 4)
	for _, row := range summary.Rows {
		ids = append(ids, row.ID)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, ids)
	assert.Equal(t, 3, summary.Layers)
	assert.Equal(t, "B,C", summary.Rows[0].Blocks)
	assert.Equal(t, "stackrun/A-x1", summary.Rows[0].Branch)
	assert.Equal(t, "-", summary.Rows[0].DependsOn)
	assert.Equal(t, 2, summary.Rows[3].Layer)
	assert.Equal(t, "B,C", summary.Rows[3].DependsOn)
	assert.Equal(t, "-", summary.Rows[3].Branch)
	assert.Equal(t, 1, summary.Counts[state.TaskStateCompleted])
	assert.Equal(t, 2, summary.Parallel)
}

// TestSummaryStringRendersTable verifies the header, counts and rows.
func TestSummaryStringRendersTable(t *testing.T) {
	p := diamond(t)
	out := GetSummary(p, time.Minute).String()

	assert.Contains(t, out, "4 tasks in 3 layers, strategy parallel, status pending")
	assert.Contains(t, out, "4 pending")
	assert.Contains(t, out, "Depends On")
	assert.Contains(t, out, "Branch")
	for _, title := range []string{"Schema", "API", "CLI", "Docs"} {
		assert.Contains(t, out, title)
	}
	assert.Equal(t, 4+6, strings.Count(out, "\n"))
}

// TestTruncateAndPad verifies column helpers.
func TestTruncateAndPad(t *testing.T) {
	assert.Equal(t, "abc  ", padRight("abc", 5))
	assert.Equal(t, "abcde", padRight("abcdefg", 5))
	assert.Equal(t, "ab...", truncate("abcdefg", 5))
	assert.Equal(t, "abc", truncate("abc", 5))
}
