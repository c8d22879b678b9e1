package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmtonkinson/stackrun/internal/task"
	"github.com/cmtonkinson/stackrun/internal/testrepos"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// TestResolveCommandSubstitutesTokens verifies every supported token.
func TestResolveCommandSubstitutesTokens(t *testing.T) {
	argv, err := ResolveCommand(
		[]string{"agent", "--task={task_id}", "--prompt", "{prompt_path}", "--cwd={workdir}", "{repo_root}"},
		"T1", "/tmp/p.md", "/w", "/r",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent", "--task=T1", "--prompt", "/tmp/p.md", "--cwd=/w", "/r"}, argv)
}

// TestResolveCommandRequiresTaskReference verifies templates must name the task.
func TestResolveCommandRequiresTaskReference(t *testing.T) {
	_, err := ResolveCommand([]string{"agent", "{workdir}"}, "T1", "/p", "/w", "/r")
	assert.Error(t, err)
	_, err = ResolveCommand([]string{"agent", "{prompt_path}"}, "T1", "", "/w", "/r")
	assert.Error(t, err)
	_, err = NewCommandExecutor(CommandConfig{Command: []string{"agent"}, StateDir: "/s", Timeout: time.Second})
	assert.Error(t, err)
}

// TestRenderPromptIncludesTaskFields verifies prompt content.
func TestRenderPromptIncludesTaskFields(t *testing.T) {
	prompt, err := RenderPrompt(&task.Task{
		ID:          "auth",
		Title:       "Add auth",
		Description: "Token based.",
		AgentPrompt: "Write the middleware.",
		Requires:    []string{"schema"},
		Touches:     []string{"internal/auth"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(prompt, "# Add auth\n"))
	assert.Contains(t, prompt, "Task id: auth")
	assert.Contains(t, prompt, "Write the middleware.")
	assert.Contains(t, prompt, "- schema")
	assert.Contains(t, prompt, "- internal/auth")
	assert.NotContains(t, prompt, "Expected to produce")
}

// TestWritePromptRejectsEscapingIDs verifies prompts stay under the state directory.
func TestWritePromptRejectsEscapingIDs(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), "state")
	for _, id := range []string{"../x", "a/b", `a\b`} {
		_, err := WritePrompt(stateDir, &task.Task{ID: id})
		assert.Error(t, err, id)
	}
	entries, err := os.ReadDir(filepath.Dir(stateDir))
	require.NoError(t, err)
	assert.Empty(t, entries)

	path, err := WritePrompt(stateDir, &task.Task{ID: "ok"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(stateDir, "prompts", "ok.md"), path)
}

// TestExecuteReportsSuccessAndChangedFiles verifies a command run in a repository.
func TestExecuteReportsSuccessAndChangedFiles(t *testing.T) {
	requireShell(t)
	repo := testrepos.New(t)
	stateDir := t.TempDir()
	exe, err := NewCommandExecutor(CommandConfig{
		Command:  []string{"sh", "-c", "echo working on {task_id}; cat {prompt_path} > out.md"},
		StateDir: stateDir,
		RepoRoot: repo.Root,
		Timeout:  10 * time.Second,
	})
	require.NoError(t, err)

	result, err := exe.Execute(context.Background(), &task.Task{ID: "T1", Title: "First"}, repo.Root, ModeShared)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Output, "working on T1")
	assert.Equal(t, []string{"out.md"}, result.FilesChanged)

	data, err := os.ReadFile(filepath.Join(repo.Root, "out.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# First")

	logs, err := os.ReadDir(filepath.Join(stateDir, "logs"))
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

// TestExecuteReportsFailureExitCode verifies a non-zero exit is a failed result, not an error.
func TestExecuteReportsFailureExitCode(t *testing.T) {
	requireShell(t)
	workdir := t.TempDir()
	exe, err := NewCommandExecutor(CommandConfig{
		Command:  []string{"sh", "-c", "echo broken {task_id} >&2; exit 3"},
		StateDir: t.TempDir(),
		Timeout:  10 * time.Second,
	})
	require.NoError(t, err)

	result, err := exe.Execute(context.Background(), &task.Task{ID: "T2"}, workdir, ModeWorktree)
	require.NoError(t, err)
	assert.False(t, result.Succeeded())
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Output, "broken T2")
	assert.Empty(t, result.FilesChanged)
}

// TestExecuteTimesOut verifies the timeout kills the process.
func TestExecuteTimesOut(t *testing.T) {
	requireShell(t)
	exe, err := NewCommandExecutor(CommandConfig{
		Command:  []string{"sh", "-c", "exec sleep 5 # {task_id}"},
		StateDir: t.TempDir(),
		Timeout:  100 * time.Millisecond,
	})
	require.NoError(t, err)

	result, err := exe.Execute(context.Background(), &task.Task{ID: "T3"}, t.TempDir(), ModeShared)
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Equal(t, StatusFailure, result.Status)
	assert.Less(t, result.Duration, 5*time.Second)
}

// TestExecuteMissingBinaryIsError verifies spawn failures are errors.
func TestExecuteMissingBinaryIsError(t *testing.T) {
	exe, err := NewCommandExecutor(CommandConfig{
		Command:  []string{"stackrun-definitely-missing-binary", "{task_id}"},
		StateDir: t.TempDir(),
		Timeout:  time.Second,
	})
	require.NoError(t, err)
	_, err = exe.Execute(context.Background(), &task.Task{ID: "T4"}, t.TempDir(), ModeShared)
	assert.Error(t, err)
}
