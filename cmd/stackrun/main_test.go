package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmtonkinson/stackrun/internal/testrepos"
)

const diamondTasks = `tasks:
  - id: a
    title: Base
  - id: b
    title: Left
    requires: [a]
  - id: c
    title: Right
    requires: [a]
  - id: d
    title: Join
    requires: [b, c]
`

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeTasks(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeRepoConfig(t *testing.T, root, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".stackrun.yaml"), []byte(content), 0o644))
}

// TestVersionCommand verifies build info is printed.
func TestVersionCommand(t *testing.T) {
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "version=")
	assert.Contains(t, stdout, "commit=")
}

// TestPlanPrintsLayers verifies plan renders the table without a repository.
func TestPlanPrintsLayers(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	stdout, _, err := execute(t, "plan", writeTasks(t, diamondTasks), "--strategy", "parallel")

	require.NoError(t, err)
	assert.Contains(t, stdout, "4 tasks in 3 layers, strategy parallel")
	assert.Contains(t, stdout, "recommended strategy:")
	assert.Contains(t, stdout, "Join")
}

// TestPlanRejectsCycle verifies graph validation errors surface.
func TestPlanRejectsCycle(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	tasks := writeTasks(t, "tasks:\n  - id: a\n    requires: [b]\n  - id: b\n    requires: [a]\n")

	_, _, err := execute(t, "plan", tasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

// TestRunWorktreeStacksBranches verifies an end-to-end worktree run against a real repository.
func TestRunWorktreeStacksBranches(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	repo := testrepos.New(t)
	writeRepoConfig(t, repo.Root, `executor:
  command: ["sh", "-c", "echo {task_id} > {task_id}.txt"]
stack:
  trunk: main
`)

	stdout, _, err := execute(t, "--repo", repo.Root, "run", writeTasks(t, diamondTasks), "--strategy", "worktree")
	require.NoError(t, err, stdout)

	assert.Contains(t, stdout, "completed via worktree")
	for _, branch := range []string{"stackrun/a", "stackrun/b", "stackrun/c", "stackrun/d"} {
		assert.NotEmpty(t, repo.RunGit(t, "branch", "--list", branch), branch)
	}
	assert.Equal(t, "stackrun/c", repo.RunGit(t, "config", "branch.stackrun/d.stackrun-parent"))
	// d stacks on c only, so b's file stays on its own branch.
	files := repo.RunGit(t, "ls-tree", "--name-only", "stackrun/d")
	for _, name := range []string{"a.txt", "c.txt", "d.txt"} {
		assert.Contains(t, files, name)
	}
	assert.NotContains(t, files, "b.txt")

	auditLog, err := os.ReadFile(filepath.Join(repo.Root, ".stackrun", "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(auditLog), "event=task.transition")
	assert.Contains(t, string(auditLog), "event=branch.create")
	_, err = os.Stat(filepath.Join(repo.Root, ".stackrun", "run.lock"))
	assert.True(t, os.IsNotExist(err), "run lock should be released")
}

// TestRunFailureReportsIncomplete verifies failed tasks skip dependents and fail the command.
func TestRunFailureReportsIncomplete(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	repo := testrepos.New(t)
	writeRepoConfig(t, repo.Root, `executor:
  command: ["sh", "-c", "test {task_id} != b"]
`)
	metricsPath := filepath.Join(t.TempDir(), "stackrun.prom")

	stdout, _, err := execute(t, "--repo", repo.Root, "run", writeTasks(t, diamondTasks),
		"--strategy", "serial", "--metrics-file", metricsPath)

	require.ErrorIs(t, err, errPlanIncomplete)
	assert.Contains(t, stdout, "partial via serial")
	metrics, readErr := os.ReadFile(metricsPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(metrics), `stackrun_plans_total{status="partial"} 1`)
}

// TestSerialRunKeepsStateDirOutOfStatus verifies shared-checkout runs exclude .stackrun/.
func TestSerialRunKeepsStateDirOutOfStatus(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	repo := testrepos.New(t)
	writeRepoConfig(t, repo.Root, `executor:
  command: ["sh", "-c", "true {task_id}"]
`)

	stdout, _, err := execute(t, "--repo", repo.Root, "run", writeTasks(t, diamondTasks), "--strategy", "serial")
	require.NoError(t, err, stdout)

	_, statErr := os.Stat(filepath.Join(repo.Root, ".stackrun", "audit.log"))
	require.NoError(t, statErr)
	assert.NotContains(t, repo.RunGit(t, "status", "--porcelain", "--untracked-files=all"), ".stackrun/")
	exclude, err := os.ReadFile(filepath.Join(repo.Root, ".git", "info", "exclude"))
	require.NoError(t, err)
	assert.Contains(t, string(exclude), "/.stackrun/")
}

// TestInitWritesConfigAndRecordsTrunk verifies init writes a config once and records the trunk.
func TestInitWritesConfigAndRecordsTrunk(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	repo := testrepos.New(t)

	stdout, _, err := execute(t, "--repo", repo.Root, "init")
	require.NoError(t, err)
	assert.Contains(t, stdout, "wrote .stackrun.yaml")
	assert.Contains(t, stdout, "on trunk main")
	assert.FileExists(t, filepath.Join(repo.Root, ".stackrun.yaml"))
	assert.Equal(t, "main", repo.RunGit(t, "config", "stackrun.trunk"))

	stdout, _, err = execute(t, "--repo", repo.Root, "init")
	require.NoError(t, err)
	assert.NotContains(t, stdout, "wrote")
}

// TestRunRejectsUnknownLogFormat verifies global flag validation.
func TestRunRejectsUnknownLogFormat(t *testing.T) {
	_, _, err := execute(t, "--log-format", "xml", "plan", writeTasks(t, diamondTasks))
	require.Error(t, err)
}
