package vcs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// commitIdentity is applied to commits stackrun creates on a task's behalf.
var commitIdentity = []string{
	"GIT_AUTHOR_NAME=stackrun",
	"GIT_AUTHOR_EMAIL=stackrun@localhost",
	"GIT_COMMITTER_NAME=stackrun",
	"GIT_COMMITTER_EMAIL=stackrun@localhost",
}

// Git runs git commands in one directory.
type Git struct {
	runner *Runner
	dir    string
}

// NewGit binds a runner to a working directory.
func NewGit(runner *Runner, dir string) *Git {
	if runner == nil {
		runner = NewRunner(Timeouts{})
	}
	return &Git{runner: runner, dir: dir}
}

// Dir returns the working directory.
func (g *Git) Dir() string {
	return g.dir
}

// Runner returns the underlying command runner.
func (g *Git) Runner() *Runner {
	return g.runner
}

// In returns a Git sharing the runner but operating in dir.
func (g *Git) In(dir string) *Git {
	return &Git{runner: g.runner, dir: dir}
}

func (g *Git) probe(ctx context.Context, args ...string) (string, error) {
	return g.runner.Run(ctx, Command{Dir: g.dir, Class: Probe, Name: "git", Args: args})
}

func (g *Git) mutate(ctx context.Context, args ...string) (string, error) {
	return g.runner.Run(ctx, Command{Dir: g.dir, Class: Mutate, Name: "git", Args: args})
}

// IsRepository reports whether the directory is inside a git work tree.
func (g *Git) IsRepository(ctx context.Context) bool {
	out, err := g.probe(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// RevParse resolves a ref to a full commit hash.
func (g *Git) RevParse(ctx context.Context, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", errors.New("ref is required")
	}
	return g.probe(ctx, "rev-parse", "--verify", ref+"^{commit}")
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.probe(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve current branch in %s: %w", g.dir, err)
	}
	return out, nil
}

// AbsoluteGitDir returns the git directory backing the working directory.
func (g *Git) AbsoluteGitDir(ctx context.Context) (string, error) {
	out, err := g.probe(ctx, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", err
	}
	return filepath.Clean(out), nil
}

// CommonDir returns the git directory shared by all worktrees.
func (g *Git) CommonDir(ctx context.Context) (string, error) {
	out, err := g.probe(ctx, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(g.dir, out)
	}
	return filepath.Clean(out), nil
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, branch string) (bool, error) {
	if strings.TrimSpace(branch) == "" {
		return false, errors.New("branch is required")
	}
	_, err := g.probe(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if IsExitStatus(err, 1) {
		return false, nil
	}
	return false, err
}

// CreateBranch creates a branch at commit without checking it out. It fails
// when the branch already exists.
func (g *Git) CreateBranch(ctx context.Context, branch, commit string) error {
	if strings.TrimSpace(branch) == "" {
		return errors.New("branch is required")
	}
	if strings.TrimSpace(commit) == "" {
		return errors.New("commit is required")
	}
	_, err := g.mutate(ctx, "branch", branch, commit)
	return err
}

// IsAlreadyExists reports whether err is git refusing to overwrite a ref.
func IsAlreadyExists(err error) bool {
	var toolErr *ExternalToolError
	if !errors.As(err, &toolErr) {
		return false
	}
	return strings.Contains(toolErr.Output, "already exists")
}

// HasCommit reports whether the object database contains the commit.
func (g *Git) HasCommit(ctx context.Context, hash string) bool {
	if strings.TrimSpace(hash) == "" {
		return false
	}
	_, err := g.probe(ctx, "cat-file", "-e", hash+"^{commit}")
	return err == nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (g *Git) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := g.probe(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if IsExitStatus(err, 1) {
		return false, nil
	}
	return false, err
}

// ChangedFiles lists paths with staged, unstaged or untracked changes.
func (g *Git) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := g.probe(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		files = append(files, path)
	}
	return files, nil
}

// FilesBetween lists paths changed between two commits.
func (g *Git) FilesBetween(ctx context.Context, from, to string) ([]string, error) {
	out, err := g.probe(ctx, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitAll stages every change and commits it with the stackrun identity.
func (g *Git) CommitAll(ctx context.Context, message string) error {
	if strings.TrimSpace(message) == "" {
		return errors.New("commit message is required")
	}
	if _, err := g.mutate(ctx, "add", "-A"); err != nil {
		return err
	}
	_, err := g.runner.Run(ctx, Command{
		Dir:   g.dir,
		Class: Mutate,
		Name:  "git",
		Args:  []string{"commit", "--no-verify", "-m", message},
		Env:   commitIdentity,
	})
	return err
}

// WorktreeAdd creates a worktree at path on branch, resetting the branch to base.
func (g *Git) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	_, err := g.mutate(ctx, "worktree", "add", "-B", branch, path, base)
	return err
}

// WorktreeAddExisting creates a worktree at path with an existing branch checked out.
func (g *Git) WorktreeAddExisting(ctx context.Context, path, branch string) error {
	_, err := g.mutate(ctx, "worktree", "add", path, branch)
	return err
}

// WorktreeRemove force-removes the worktree at path.
func (g *Git) WorktreeRemove(ctx context.Context, path string) error {
	_, err := g.mutate(ctx, "worktree", "remove", "--force", path)
	return err
}

// WorktreePrune drops administrative entries for missing worktrees.
func (g *Git) WorktreePrune(ctx context.Context) error {
	_, err := g.mutate(ctx, "worktree", "prune")
	return err
}

// Fetch fetches refspecs from source, which may be a path to another git directory.
func (g *Git) Fetch(ctx context.Context, source string, refspecs ...string) error {
	args := append([]string{"fetch", "--no-tags", source}, refspecs...)
	_, err := g.mutate(ctx, args...)
	return err
}

// ConfigGet reads a local config value; a missing key yields "" and no error.
func (g *Git) ConfigGet(ctx context.Context, key string) (string, error) {
	out, err := g.probe(ctx, "config", "--local", "--get", key)
	if err != nil {
		if IsExitStatus(err, 1) {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// ConfigSet writes a local config value.
func (g *Git) ConfigSet(ctx context.Context, key, value string) error {
	_, err := g.mutate(ctx, "config", "--local", key, value)
	return err
}

// Rebase rebases the checked-out branch onto upstream.
func (g *Git) Rebase(ctx context.Context, upstream string) error {
	_, err := g.runner.Run(ctx, Command{
		Dir:   g.dir,
		Class: Mutate,
		Name:  "git",
		Args:  []string{"rebase", upstream},
		Env:   commitIdentity,
	})
	return err
}

// RebaseAbort aborts an in-progress rebase.
func (g *Git) RebaseAbort(ctx context.Context) error {
	_, err := g.mutate(ctx, "rebase", "--abort")
	return err
}

// Push pushes branch to remote and sets its upstream.
func (g *Git) Push(ctx context.Context, remote, branch string) error {
	_, err := g.mutate(ctx, "push", "--force-with-lease", "--set-upstream", remote, branch)
	return err
}
