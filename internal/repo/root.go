// Package repo resolves the repository stackrun operates on.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cmtonkinson/stackrun/internal/worktree"
)

// gitDirName is the filesystem entry that marks a git repository root.
const gitDirName = ".git"

var (
	// ErrRepoNotFound is returned when no git repository root can be discovered.
	ErrRepoNotFound = errors.New("no git repository found")
	// ErrInsideTaskWorktree is returned when discovery starts inside a task worktree.
	ErrInsideTaskWorktree = errors.New("inside a stackrun task worktree")
)

// Resolve returns the repository root for an explicit --repo value, or
// discovers it from the working directory when repoFlag is empty.
func Resolve(repoFlag string) (string, error) {
	start := strings.TrimSpace(repoFlag)
	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		start = cwd
	}
	return DiscoverRoot(start)
}

// DiscoverRoot walks upward from start to the nearest directory holding a
// .git entry. Task worktrees are rejected so a run never nests in another.
func DiscoverRoot(start string) (string, error) {
	if start == "" {
		return "", fmt.Errorf("%w: provide a start directory or run inside a repo", ErrRepoNotFound)
	}
	absStart, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %s: %w", start, err)
	}
	absStart, err = filepath.EvalSymlinks(absStart)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks for %s: %w", absStart, err)
	}
	info, err := os.Stat(absStart)
	if err != nil {
		return "", fmt.Errorf("stat start path %s: %w", absStart, err)
	}

	current := absStart
	if !info.IsDir() {
		current = filepath.Dir(absStart)
	}
	for {
		found, err := hasGitDir(current)
		if err != nil {
			return "", err
		}
		if found {
			if isTaskWorktree(current) {
				return "", fmt.Errorf("%w at %s; run from the main checkout", ErrInsideTaskWorktree, current)
			}
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", fmt.Errorf("%w from %s; run inside a git repo or initialize one with `git init`", ErrRepoNotFound, absStart)
}

// isTaskWorktree reports whether dir sits under <repo>/.stackrun/worktrees.
func isTaskWorktree(dir string) bool {
	parent := filepath.Dir(dir)
	return filepath.Base(parent) == worktree.WorktreesDirName &&
		filepath.Base(filepath.Dir(parent)) == worktree.StateDirName
}

// hasGitDir reports whether the directory contains a .git entry.
func hasGitDir(dir string) (bool, error) {
	path := filepath.Join(dir, gitDirName)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.IsDir() || info.Mode().IsRegular(), nil
}
