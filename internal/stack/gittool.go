package stack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cmtonkinson/stackrun/internal/slug"
	"github.com/cmtonkinson/stackrun/internal/vcs"
)

const (
	trunkConfigKey   = "stackrun.trunk"
	parentConfigKey  = "stackrun-parent"
	defaultRemote    = "origin"
	restackDirPrefix = "restack-"
)

// GitTool stores parents in git config and restacks in a scratch worktree so
// the user's checkout is never touched.
type GitTool struct {
	git     *vcs.Git
	remote  string
	scratch string
}

// NewGitTool builds a GitTool for the repository git operates in.
func NewGitTool(git *vcs.Git, remote string) *GitTool {
	if strings.TrimSpace(remote) == "" {
		remote = defaultRemote
	}
	return &GitTool{
		git:     git,
		remote:  remote,
		scratch: filepath.Join(git.Dir(), ".stackrun", "scratch"),
	}
}

// Name implements Tool.
func (tool *GitTool) Name() string {
	return string(ToolGit)
}

// Trunk implements Tool.
func (tool *GitTool) Trunk(ctx context.Context) (string, error) {
	return tool.git.ConfigGet(ctx, trunkConfigKey)
}

// Init implements Tool.
func (tool *GitTool) Init(ctx context.Context, trunk string) error {
	if strings.TrimSpace(trunk) == "" {
		return errors.New("trunk is required")
	}
	return tool.git.ConfigSet(ctx, trunkConfigKey, trunk)
}

// Track implements Tool.
func (tool *GitTool) Track(ctx context.Context, branch, parent string) error {
	if strings.TrimSpace(branch) == "" || strings.TrimSpace(parent) == "" {
		return errors.New("branch and parent are required")
	}
	return tool.git.ConfigSet(ctx, parentKey(branch), parent)
}

// Parent returns the recorded parent of branch, or "".
func (tool *GitTool) Parent(ctx context.Context, branch string) (string, error) {
	return tool.git.ConfigGet(ctx, parentKey(branch))
}

// Restack implements Tool. A branch already containing its parent tip is
// left alone; a conflicting rebase is aborted and reported.
func (tool *GitTool) Restack(ctx context.Context, branch Branch) error {
	parent, err := tool.Parent(ctx, branch.Name)
	if err != nil {
		return err
	}
	if parent == "" {
		parent = branch.Parent
	}
	if parent == "" {
		return fmt.Errorf("branch %s has no recorded parent", branch.Name)
	}
	upToDate, err := tool.git.IsAncestor(ctx, parent, branch.Name)
	if err != nil {
		return err
	}
	if upToDate {
		return nil
	}

	if err := os.MkdirAll(tool.scratch, 0o755); err != nil {
		return fmt.Errorf("create scratch directory %s: %w", tool.scratch, err)
	}
	path := filepath.Join(tool.scratch, restackDirPrefix+slug.RefComponent(strings.ReplaceAll(branch.Name, "/", "-")))
	_ = os.RemoveAll(path)
	if err := tool.git.WorktreeAddExisting(ctx, path, branch.Name); err != nil {
		return fmt.Errorf("check out %s for restack: %w", branch.Name, err)
	}
	defer func() {
		_ = tool.git.WorktreeRemove(context.WithoutCancel(ctx), path)
		_ = tool.git.WorktreePrune(context.WithoutCancel(ctx))
	}()

	inScratch := tool.git.In(path)
	if err := inScratch.Rebase(ctx, parent); err != nil {
		_ = inScratch.RebaseAbort(context.WithoutCancel(ctx))
		return fmt.Errorf("rebase %s onto %s: %w", branch.Name, parent, err)
	}
	return nil
}

// Submit implements Tool by pushing each branch to the remote.
func (tool *GitTool) Submit(ctx context.Context, branches []Branch) error {
	var errs []error
	for _, branch := range branches {
		if err := tool.git.Push(ctx, tool.remote, branch.Name); err != nil {
			errs = append(errs, fmt.Errorf("push %s: %w", branch.Name, err))
		}
	}
	return errors.Join(errs...)
}

func parentKey(branch string) string {
	return "branch." + branch + "." + parentConfigKey
}
