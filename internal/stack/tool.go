// Package stack reconciles per-task worktree commits into a parent-tracked
// branch stack in the shared repository.
package stack

import (
	"context"
	"fmt"
	"strings"
)

// Tool is the stacking backend that records parent relationships and
// rebases branches onto their parents.
type Tool interface {
	// Name identifies the backend in logs.
	Name() string
	// Trunk returns the configured trunk, or "" when uninitialized.
	Trunk(ctx context.Context) (string, error)
	// Init configures trunk for the repository.
	Init(ctx context.Context, trunk string) error
	// Track records branch as stacked on parent.
	Track(ctx context.Context, branch, parent string) error
	// Restack rebases branch onto the current tip of its parent.
	Restack(ctx context.Context, branch Branch) error
	// Submit publishes the given branches.
	Submit(ctx context.Context, branches []Branch) error
}

// ToolKind selects a Tool implementation.
type ToolKind string

const (
	// ToolGit keeps stack metadata in git config and restacks with git rebase.
	ToolGit ToolKind = "git"
	// ToolGraphite drives the gt CLI.
	ToolGraphite ToolKind = "gt"
)

// ParseToolKind validates a tool name; empty input selects git.
func ParseToolKind(value string) (ToolKind, error) {
	switch ToolKind(strings.ToLower(strings.TrimSpace(value))) {
	case "", ToolGit:
		return ToolGit, nil
	case ToolGraphite, "graphite":
		return ToolGraphite, nil
	default:
		return "", fmt.Errorf("unknown stacking tool %q", value)
	}
}
