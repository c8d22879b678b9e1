// Package worktree manages task-scoped git worktrees for isolated execution.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cmtonkinson/stackrun/internal/slug"
	"github.com/cmtonkinson/stackrun/internal/task"
	"github.com/cmtonkinson/stackrun/internal/vcs"
)

const (
	// StateDirName is the repository-relative directory for stackrun state.
	StateDirName = ".stackrun"
	// WorktreesDirName holds per-task worktrees under the state directory.
	WorktreesDirName = "worktrees"
	// stateDirMode defines permissions for the state directories.
	stateDirMode = 0o755
	// taskDirPrefix prefixes per-task worktree directories.
	taskDirPrefix = "task-"
	// DefaultBranchPrefix namespaces worktree branches.
	DefaultBranchPrefix = "stackrun-wt"
)

// Context describes one task worktree.
type Context struct {
	TaskID  string
	Path    string
	Branch  string
	BaseRef string
}

// WorktreeError reports a worktree create, fetch or cleanup failure.
type WorktreeError struct {
	Op     string
	TaskID string
	Path   string
	Err    error
}

func (e *WorktreeError) Error() string {
	return fmt.Sprintf("worktree %s for task %s at %s: %v", e.Op, e.TaskID, e.Path, e.Err)
}

// Unwrap exposes the underlying failure.
func (e *WorktreeError) Unwrap() error {
	return e.Err
}

// Options configures a Manager.
type Options struct {
	BranchPrefix string
	Logger       *slog.Logger
}

// Manager creates and removes task worktrees for one repository.
type Manager struct {
	repoRoot     string
	rootDir      string
	branchPrefix string
	git          *vcs.Git
	logger       *slog.Logger
}

// NewManager constructs a Manager rooted at the provided repository root.
func NewManager(repoRoot string, runner *vcs.Runner, opts Options) (*Manager, error) {
	if strings.TrimSpace(repoRoot) == "" {
		return nil, errors.New("repo root is required")
	}
	absRoot := vcs.CanonicalPath(repoRoot)
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat repo root %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repo root %s is not a directory", absRoot)
	}
	prefix := strings.Trim(strings.TrimSpace(opts.BranchPrefix), "/")
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		repoRoot:     absRoot,
		rootDir:      filepath.Join(absRoot, StateDirName, WorktreesDirName),
		branchPrefix: prefix,
		git:          vcs.NewGit(runner, absRoot),
		logger:       logger,
	}, nil
}

// RepoRoot returns the canonical repository root.
func (manager *Manager) RepoRoot() string {
	return manager.repoRoot
}

// Path returns the deterministic worktree path for a task.
func (manager *Manager) Path(taskID string) (string, error) {
	if err := task.ValidateID(taskID); err != nil {
		return "", err
	}
	return filepath.Join(manager.rootDir, taskDirPrefix+taskID), nil
}

// BranchName returns the worktree branch for a task.
func (manager *Manager) BranchName(taskID string) string {
	return slug.Branch(manager.branchPrefix, taskID)
}

// Create force-replaces any stale worktree for the task and checks out a
// fresh one at baseRef on the task's worktree branch.
func (manager *Manager) Create(ctx context.Context, taskID, baseRef string) (Context, error) {
	path, err := manager.Path(taskID)
	if err != nil {
		return Context{}, err
	}
	wt := Context{TaskID: taskID, Path: path, Branch: manager.BranchName(taskID), BaseRef: baseRef}
	if strings.TrimSpace(baseRef) == "" {
		return Context{}, &WorktreeError{Op: "create", TaskID: taskID, Path: path, Err: errors.New("base ref is required")}
	}

	lock := vcs.LockRepo(manager.repoRoot)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(manager.rootDir, stateDirMode); err != nil {
		return Context{}, &WorktreeError{Op: "create", TaskID: taskID, Path: path, Err: err}
	}
	if err := manager.ensureExcluded(ctx); err != nil {
		return Context{}, &WorktreeError{Op: "create", TaskID: taskID, Path: path, Err: err}
	}
	if err := manager.removeStale(ctx, path); err != nil {
		return Context{}, &WorktreeError{Op: "create", TaskID: taskID, Path: path, Err: err}
	}
	if err := manager.git.WorktreeAdd(ctx, path, wt.Branch, baseRef); err != nil {
		return Context{}, &WorktreeError{Op: "create", TaskID: taskID, Path: path, Err: err}
	}
	manager.logger.Debug("worktree created", "task_id", taskID, "path", path, "branch", wt.Branch, "base", baseRef)
	return wt, nil
}

// CreateForTasks creates one worktree per task id from the same base ref. It
// stops at the first failure and returns the contexts created so far.
func (manager *Manager) CreateForTasks(ctx context.Context, taskIDs []string, baseRef string) ([]Context, error) {
	contexts := make([]Context, 0, len(taskIDs))
	for _, id := range taskIDs {
		wt, err := manager.Create(ctx, id, baseRef)
		if err != nil {
			return contexts, err
		}
		contexts = append(contexts, wt)
	}
	return contexts, nil
}

// Remove force-removes the worktree and prunes git's bookkeeping. The
// worktree branch is left in place.
func (manager *Manager) Remove(ctx context.Context, wt Context) error {
	lock := vcs.LockRepo(manager.repoRoot)
	lock.Lock()
	defer lock.Unlock()
	if err := manager.removeStale(ctx, wt.Path); err != nil {
		return &WorktreeError{Op: "remove", TaskID: wt.TaskID, Path: wt.Path, Err: err}
	}
	return nil
}

// Cleanup removes every worktree, continuing past failures. Failures are
// logged and returned joined.
func (manager *Manager) Cleanup(ctx context.Context, contexts []Context) error {
	var errs []error
	for _, wt := range contexts {
		if err := manager.Remove(ctx, wt); err != nil {
			manager.logger.Warn("worktree cleanup failed", "task_id", wt.TaskID, "path", wt.Path, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ensureExcluded keeps the state directory out of the main checkout's status.
func (manager *Manager) ensureExcluded(ctx context.Context) error {
	commonDir, err := manager.git.CommonDir(ctx)
	if err != nil {
		return err
	}
	return EnsureExcluded(commonDir)
}

// EnsureExcluded appends the state directory to info/exclude under gitDir
// unless it is already listed.
func EnsureExcluded(gitDir string) error {
	excludePath := filepath.Join(gitDir, "info", "exclude")
	entry := "/" + StateDirName + "/"
	data, err := os.ReadFile(excludePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", excludePath, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), stateDirMode); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(excludePath), err)
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	data = append(data, entry+"\n"...)
	if err := os.WriteFile(excludePath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", excludePath, err)
	}
	return nil
}

// removeStale clears a worktree at path whether or not git still knows about
// it. Caller holds the repository lock.
func (manager *Manager) removeStale(ctx context.Context, path string) error {
	exists, err := pathExists(path)
	if err != nil {
		return err
	}
	if exists {
		if err := manager.git.WorktreeRemove(ctx, path); err != nil {
			manager.logger.Debug("git worktree remove failed; deleting directory", "path", path, "err", err)
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return fmt.Errorf("remove worktree directory %s: %w", path, rmErr)
			}
		}
	}
	return manager.git.WorktreePrune(ctx)
}

// pathExists reports whether the path exists on disk.
func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat path %s: %w", path, err)
}
