package vcs

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmtonkinson/stackrun/internal/testrepos"
)

func newGit(t *testing.T) (*Git, *testrepos.TempRepo) {
	t.Helper()
	repo := testrepos.New(t)
	return NewGit(NewRunner(DefaultTimeouts()), repo.Root), repo
}

// TestBranchExistsDistinguishesMissing verifies exit status 1 maps to false.
func TestBranchExistsDistinguishesMissing(t *testing.T) {
	git, repo := newGit(t)
	ctx := context.Background()

	ok, err := git.BranchExists(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = git.BranchExists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	head := repo.Head(t)
	require.NoError(t, git.CreateBranch(ctx, "feature", head))
	err = git.CreateBranch(ctx, "feature", head)
	require.Error(t, err)
	assert.True(t, IsAlreadyExists(err))

	var toolErr *ExternalToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "git", toolErr.Command)
	assert.NotZero(t, toolErr.ExitCode)
	assert.Contains(t, toolErr.Output, "already exists")
}

// TestCommitAllAndChangedFiles verifies staging, committing and change detection.
func TestCommitAllAndChangedFiles(t *testing.T) {
	git, repo := newGit(t)
	ctx := context.Background()
	base := repo.Head(t)

	testrepos.WriteFile(t, repo.Root, "a/b.txt", "hello\n")
	files, err := git.ChangedFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b.txt"}, files)

	require.NoError(t, git.CommitAll(ctx, "add b"))
	head, err := git.RevParse(ctx, "HEAD")
	require.NoError(t, err)
	assert.NotEqual(t, base, head)
	assert.True(t, git.HasCommit(ctx, head))
	assert.False(t, git.HasCommit(ctx, "0000000000000000000000000000000000000000"))

	author := repo.RunGit(t, "log", "-1", "--format=%an <%ae>")
	assert.Equal(t, "stackrun <stackrun@localhost>", author)

	between, err := git.FilesBetween(ctx, base, head)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b.txt"}, between)

	ancestor, err := git.IsAncestor(ctx, base, head)
	require.NoError(t, err)
	assert.True(t, ancestor)
	ancestor, err = git.IsAncestor(ctx, head, base)
	require.NoError(t, err)
	assert.False(t, ancestor)
}

// TestConfigRoundTrip verifies a missing key reads as empty.
func TestConfigRoundTrip(t *testing.T) {
	git, _ := newGit(t)
	ctx := context.Background()

	value, err := git.ConfigGet(ctx, "branch.x.stackrun-parent")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, git.ConfigSet(ctx, "branch.x.stackrun-parent", "main"))
	value, err = git.ConfigGet(ctx, "branch.x.stackrun-parent")
	require.NoError(t, err)
	assert.Equal(t, "main", value)
}

// TestWorktreeLifecycle verifies add, gitdir lookup, remove and prune.
func TestWorktreeLifecycle(t *testing.T) {
	git, repo := newGit(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wt")

	require.NoError(t, git.WorktreeAdd(ctx, path, "wt/one", "main"))
	inWorktree := git.In(path)
	assert.True(t, inWorktree.IsRepository(ctx))
	branch, err := inWorktree.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wt/one", branch)

	gitDir, err := inWorktree.AbsoluteGitDir(ctx)
	require.NoError(t, err)
	assert.Contains(t, gitDir, filepath.Join(".git", "worktrees"))

	require.NoError(t, git.WorktreeRemove(ctx, path))
	require.NoError(t, git.WorktreePrune(ctx))
	assert.NotContains(t, repo.RunGit(t, "worktree", "list"), path)
}

// TestRunnerTimeout verifies timeouts surface as ErrTimeout.
func TestRunnerTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep binary not available")
	}
	runner := NewRunner(Timeouts{Probe: 10 * time.Millisecond, Mutate: time.Second})
	_, err := runner.Run(context.Background(), Command{Dir: t.TempDir(), Class: Probe, Name: "sleep", Args: []string{"2"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

// TestRunnerRejectsMissingInputs verifies argument validation.
func TestRunnerRejectsMissingInputs(t *testing.T) {
	runner := NewRunner(Timeouts{})
	assert.Equal(t, DefaultTimeouts(), runner.Timeouts())
	_, err := runner.Run(context.Background(), Command{Name: "git"})
	assert.Error(t, err)
	_, err = runner.Run(context.Background(), Command{Dir: "."})
	assert.Error(t, err)
}

// TestTruncateKeepsRuneBoundaries verifies captured output is never cut mid-rune.
func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abc", truncate("abc", 0))
	assert.Equal(t, "ab", truncate("abcdef", 2))

	value := "abécd" // é is two bytes at offsets 2 and 3
	got := truncate(value, 3)
	assert.Equal(t, "ab", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "abé", truncate(value, 4))
}
