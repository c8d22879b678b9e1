package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/stack"
	"github.com/cmtonkinson/stackrun/internal/state"
	"github.com/cmtonkinson/stackrun/internal/testrepos"
	"github.com/cmtonkinson/stackrun/internal/vcs"
	"github.com/cmtonkinson/stackrun/internal/worktree"
)

func newStackContext(t *testing.T, exe *fakeExecutor, opts Options) (*Context, *testrepos.TempRepo, *observer.Recorder) {
	t.Helper()
	repo := testrepos.New(t)
	runner := vcs.NewRunner(vcs.DefaultTimeouts())
	manager, err := worktree.NewManager(repo.Root, runner, worktree.Options{})
	require.NoError(t, err)
	rec := &observer.Recorder{}
	engine, err := stack.New(context.Background(), stack.Config{
		RepoPath:  repo.Root,
		Tool:      stack.NewGitTool(vcs.NewGit(runner, repo.Root), ""),
		Runner:    runner,
		Worktrees: manager,
		Observer:  rec,
		Suffix:    func() string { return "dup" },
	})
	require.NoError(t, err)
	sc := newContext(exe, rec, opts)
	sc.RepoPath = repo.Root
	sc.Stack = engine
	return sc, repo, rec
}

func branchExists(t *testing.T, repo *testrepos.TempRepo, name string) bool {
	t.Helper()
	return repo.RunGit(t, "branch", "--list", name) != ""
}

// TestWorktreeFailureSkipsDependentAndKeepsSiblingBranch verifies a failed task gets no branch.
func TestWorktreeFailureSkipsDependentAndKeepsSiblingBranch(t *testing.T) {
	exe := newFakeExecutor()
	exe.writeFiles = true
	exe.failAlways("2")
	sc, repo, _ := newStackContext(t, exe, Options{CleanupOnSuccess: true})
	p := newPlan(t, plan.StrategyWorktree, 0, tk("1"), tk("2"), tk("3", "2"))

	require.True(t, Worktree{}.CanHandle(p, sc))
	result, err := Worktree{}.Execute(context.Background(), p, sc)
	require.NoError(t, err)
	assert.True(t, result.Halted)

	assert.Equal(t, state.TaskStateCompleted, p.Tasks["1"].State)
	assert.Equal(t, state.TaskStateFailed, p.Tasks["2"].State)
	assert.Equal(t, state.TaskStateSkipped, p.Tasks["3"].State)

	assert.True(t, branchExists(t, repo, "stackrun/1"))
	assert.False(t, branchExists(t, repo, "stackrun/2"))
	assert.False(t, branchExists(t, repo, "stackrun/3"))
	require.Len(t, result.Branches, 1)
	assert.Equal(t, "stackrun/1", result.Branches[0].Name)
	assert.Equal(t, "stackrun/1", p.Tasks["1"].Branch)
	assert.Empty(t, p.Tasks["2"].Branch)
	assert.Empty(t, p.Tasks["2"].CommitHash)

	// Successful worktrees are cleaned; the failed one is kept for inspection.
	_, err = os.Stat(filepath.Join(repo.Root, ".stackrun", "worktrees", "task-1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(repo.Root, ".stackrun", "worktrees", "task-2"))
	assert.NoError(t, err)
}

// TestWorktreeStacksDiamondOnLastDependency verifies parent selection and collision propagation.
func TestWorktreeStacksDiamondOnLastDependency(t *testing.T) {
	exe := newFakeExecutor()
	exe.writeFiles = true
	sc, repo, rec := newStackContext(t, exe, Options{CleanupOnSuccess: true, CleanupOnFailure: true})
	repo.RunGit(t, "branch", "stackrun/A")
	p := newPlan(t, plan.StrategyWorktree, 0, tk("A"), tk("B", "A"), tk("C", "A"), tk("D", "B", "C"))

	result, err := Worktree{}.Execute(context.Background(), p, sc)
	require.NoError(t, err)
	assert.False(t, result.Halted)
	assert.Empty(t, result.Warnings)
	for _, et := range p.OrderedTasks() {
		assert.Equal(t, state.TaskStateCompleted, et.State, et.ID)
		assert.NotEmpty(t, et.CommitHash, et.ID)
	}

	assert.Equal(t, "stackrun/A-dup", p.Tasks["A"].Branch)
	parents := map[string]string{}
	for _, b := range result.Branches {
		parents[b.Name] = b.Parent
	}
	assert.Equal(t, map[string]string{
		"stackrun/A-dup": "main",
		"stackrun/B":     "stackrun/A-dup",
		"stackrun/C":     "stackrun/A-dup",
		"stackrun/D":     "stackrun/C",
	}, parents)
	assert.Equal(t, "stackrun/C", repo.RunGit(t, "config", "--get", "branch.stackrun/D.stackrun-parent"))

	files := repo.RunGit(t, "ls-tree", "--name-only", "stackrun/D")
	assert.Contains(t, files, "A.txt")
	assert.Contains(t, files, "C.txt")
	assert.Contains(t, files, "D.txt")
	assert.NotContains(t, files, "B.txt")

	assert.Len(t, rec.EventsOfType(observer.EventBranchCreated), 4)
	assert.Len(t, rec.EventsOfType(observer.EventRestack), 1)
	entries, err := os.ReadDir(filepath.Join(repo.Root, ".stackrun", "worktrees"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
