package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cmtonkinson/stackrun/internal/config"
	"github.com/cmtonkinson/stackrun/internal/stack"
	"github.com/cmtonkinson/stackrun/internal/vcs"
	"github.com/cmtonkinson/stackrun/internal/worktree"
)

// newRunner applies the configured command timeouts.
func newRunner(cfg config.Config) *vcs.Runner {
	return vcs.NewRunner(vcs.Timeouts{
		Probe:  time.Duration(cfg.Timeouts.ProbeSeconds) * time.Second,
		Mutate: time.Duration(cfg.Timeouts.MutateSeconds) * time.Second,
	})
}

// excludeStateDir keeps .stackrun/ out of git status so prompts, logs and the
// audit log never show up as task changes.
func excludeStateDir(ctx context.Context, git *vcs.Git) error {
	if !git.IsRepository(ctx) {
		return fmt.Errorf("%s is not a git work tree", git.Dir())
	}
	commonDir, err := git.CommonDir(ctx)
	if err != nil {
		return fmt.Errorf("resolve git directory: %w", err)
	}
	return worktree.EnsureExcluded(commonDir)
}

// newStackEngine wires the worktree manager and the configured stacking tool.
func newStackEngine(ctx context.Context, root string, cfg config.Config, runner *vcs.Runner, log *slog.Logger) (*stack.Engine, error) {
	git := vcs.NewGit(runner, root)
	if err := excludeStateDir(ctx, git); err != nil {
		return nil, err
	}
	manager, err := worktree.NewManager(root, runner, worktree.Options{
		BranchPrefix: cfg.Stack.WorktreePrefix,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	kind, err := stack.ParseToolKind(cfg.Stack.Tool)
	if err != nil {
		return nil, err
	}
	var tool stack.Tool
	switch kind {
	case stack.ToolGraphite:
		tool = stack.NewGraphiteTool(git, "gt")
	default:
		tool = stack.NewGitTool(git, cfg.Stack.Remote)
	}
	return stack.New(ctx, stack.Config{
		RepoPath:     root,
		Trunk:        cfg.Stack.Trunk,
		BranchPrefix: cfg.Stack.BranchPrefix,
		Tool:         tool,
		Runner:       runner,
		Worktrees:    manager,
		Logger:       log,
	})
}
