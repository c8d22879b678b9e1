// Package testrepos creates throwaway git repositories for tests.
package testrepos

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TempRepo represents a temporary git repository that can be reused in tests.
type TempRepo struct {
	Root string
}

// RequireGit skips the test when the git binary is unavailable.
func RequireGit(tb testing.TB) {
	tb.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		tb.Skip("git binary not available")
	}
}

// New creates a temporary repository on branch main with one commit.
func New(tb testing.TB) *TempRepo {
	tb.Helper()
	RequireGit(tb)
	root, err := os.MkdirTemp("", "stackrun-test-repo-*")
	if err != nil {
		tb.Fatalf("create temp repo directory: %v", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	repo := &TempRepo{Root: root}
	tb.Cleanup(func() {
		if cleanupErr := repo.Cleanup(); cleanupErr != nil {
			tb.Errorf("cleanup temp repo: %v", cleanupErr)
		}
	})

	repo.initialize(tb)
	return repo
}

// RunGit executes git in the repository directory and fails the test if git returns an error.
func (r *TempRepo) RunGit(tb testing.TB, args ...string) string {
	tb.Helper()
	return RunGitIn(tb, r.Root, args...)
}

// RunGitIn executes git in dir and returns trimmed output.
func RunGitIn(tb testing.TB, dir string, args ...string) string {
	tb.Helper()
	output, err := runGit(dir, args...)
	if err != nil {
		tb.Fatalf("git %s failed: %v: %s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(output)
}

// WriteFile writes content relative to dir, creating parent directories.
func WriteFile(tb testing.TB, dir, rel, content string) {
	tb.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("create parent of %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("write %s: %v", rel, err)
	}
}

// CommitFile writes a file in dir and commits it.
func CommitFile(tb testing.TB, dir, rel, content, message string) string {
	tb.Helper()
	WriteFile(tb, dir, rel, content)
	RunGitIn(tb, dir, "add", rel)
	RunGitIn(tb, dir, "commit", "-m", message)
	return RunGitIn(tb, dir, "rev-parse", "HEAD")
}

// Head returns the commit hash HEAD points at.
func (r *TempRepo) Head(tb testing.TB) string {
	tb.Helper()
	return r.RunGit(tb, "rev-parse", "HEAD")
}

// Cleanup removes the temporary repository root. Missing directories are treated as success.
func (r *TempRepo) Cleanup() error {
	if r == nil || r.Root == "" {
		return nil
	}
	if err := os.RemoveAll(r.Root); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp repo %s: %w", r.Root, err)
	}
	return nil
}

func (r *TempRepo) initialize(tb testing.TB) {
	tb.Helper()
	r.RunGit(tb, "init", "--initial-branch=main")
	r.RunGit(tb, "config", "user.name", "Stackrun Test")
	r.RunGit(tb, "config", "user.email", "test@example.com")
	r.RunGit(tb, "config", "commit.gpgsign", "false")
	CommitFile(tb, r.Root, "README.md", "# Temp Stackrun Repository\n", "Initial commit")
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(output), nil
}
