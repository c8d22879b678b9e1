// Tests for the audit logger.
package audit

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/task"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	logger, err := NewLogger(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	fixed := time.Date(2026, 1, 14, 19, 2, 11, 0, time.UTC)
	logger.now = func() time.Time { return fixed }
	return logger
}

func readLines(t *testing.T, logger *Logger) []string {
	t.Helper()
	data, err := os.ReadFile(logger.Path())
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// TestObserverWritesEventsAndTransitions ensures notifications land in order as logfmt.
func TestObserverWritesEventsAndTransitions(t *testing.T) {
	logger := newTestLogger(t)
	et := task.NewExecutionTask(task.Task{ID: "T-014"}, 0)

	logger.OnExecutionEvent(observer.Event{Type: observer.EventPlanStarted, PlanID: "p1", Message: "worktree"})
	logger.OnTaskStateChange(et, task.Transition{From: state.TaskStatePending, To: state.TaskStateReady, Reason: "no dependencies"})
	logger.OnExecutionEvent(observer.Event{
		Type:   observer.EventWorktreeCreated,
		PlanID: "p1",
		TaskID: "T-014",
		Fields: map[string]string{"path": "/repo/.stackrun/worktrees/task-T-014", "branch": "stackrun-wt/T-014"},
	})

	lines := readLines(t, logger)
	want := []string{
		"ts=2026-01-14T19:02:11Z plan_id=p1 event=plan.started message=worktree",
		`ts=2026-01-14T19:02:11Z plan_id=p1 task_id=T-014 event=task.transition from=pending to=ready reason="no dependencies"`,
		"ts=2026-01-14T19:02:11Z plan_id=p1 task_id=T-014 event=worktree.create branch=stackrun-wt/T-014 path=/repo/.stackrun/worktrees/task-T-014",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %q", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

// TestLogRejectsMissingEvent ensures entries without an event are refused.
func TestLogRejectsMissingEvent(t *testing.T) {
	logger := newTestLogger(t)
	if err := logger.Log(Entry{TaskID: "a"}); err == nil {
		t.Fatal("expected error for missing event")
	}
	if _, err := os.Stat(logger.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected no audit log, stat err=%v", err)
	}
}

// TestFormatFieldEscapesValues ensures quoting and newline flattening.
func TestFormatFieldEscapesValues(t *testing.T) {
	cases := map[string]string{
		"plain":       "k=plain",
		"two words":   `k="two words"`,
		"line\nbreak": `k=line\nbreak`,
		`say "hi"`:    `k="say \"hi\""`,
		"a=b":         `k="a=b"`,
		"":            `k=""`,
	}
	for value, want := range cases {
		if got := formatField("k", value); got != want {
			t.Errorf("formatField(%q) = %q, want %q", value, got, want)
		}
	}
}

// TestNewLoggerRequiresRoot ensures the repo root is validated.
func TestNewLoggerRequiresRoot(t *testing.T) {
	if _, err := NewLogger("  ", nil); err == nil {
		t.Fatal("expected error for blank repo root")
	}
}
