package stack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cmtonkinson/stackrun/internal/vcs"
)

// graphiteConfigFile is where gt records the repository trunk.
const graphiteConfigFile = ".graphite_repo_config"

// GraphiteTool drives the gt CLI. Branches are created with git so the
// user's checkout stays put; gt only tracks, restacks and submits them.
type GraphiteTool struct {
	git    *vcs.Git
	binary string
}

// NewGraphiteTool builds a GraphiteTool; binary defaults to gt.
func NewGraphiteTool(git *vcs.Git, binary string) *GraphiteTool {
	if strings.TrimSpace(binary) == "" {
		binary = "gt"
	}
	return &GraphiteTool{git: git, binary: binary}
}

// Name implements Tool.
func (tool *GraphiteTool) Name() string {
	return string(ToolGraphite)
}

func (tool *GraphiteTool) run(ctx context.Context, class vcs.Class, args ...string) error {
	args = append(args, "--no-interactive")
	_, err := tool.git.Runner().Run(ctx, vcs.Command{Dir: tool.git.Dir(), Class: class, Name: tool.binary, Args: args})
	return err
}

// Trunk implements Tool by reading gt's repository config.
func (tool *GraphiteTool) Trunk(ctx context.Context) (string, error) {
	gitDir, err := tool.git.AbsoluteGitDir(ctx)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(gitDir, graphiteConfigFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read graphite config: %w", err)
	}
	return parseGraphiteTrunk(data), nil
}

// parseGraphiteTrunk extracts "trunk" from gt's small JSON config without
// depending on its full schema.
func parseGraphiteTrunk(data []byte) string {
	text := string(data)
	idx := strings.Index(text, `"trunk"`)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(`"trunk"`):]
	start := strings.Index(rest, `"`)
	if start < 0 {
		return ""
	}
	rest = rest[start+1:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// Init implements Tool.
func (tool *GraphiteTool) Init(ctx context.Context, trunk string) error {
	if strings.TrimSpace(trunk) == "" {
		return errors.New("trunk is required")
	}
	return tool.run(ctx, vcs.Mutate, "repo", "init", "--trunk", trunk)
}

// Track implements Tool.
func (tool *GraphiteTool) Track(ctx context.Context, branch, parent string) error {
	return tool.run(ctx, vcs.Mutate, "branch", "track", branch, "--parent", parent)
}

// Restack implements Tool. gt restacks the upstack of the checked-out
// branch, so the original checkout is restored afterwards.
func (tool *GraphiteTool) Restack(ctx context.Context, branch Branch) error {
	return tool.onBranch(ctx, branch.Name, func() error {
		return tool.run(ctx, vcs.Mutate, "upstack", "restack")
	})
}

// Submit implements Tool by submitting the stack of every leaf branch.
func (tool *GraphiteTool) Submit(ctx context.Context, branches []Branch) error {
	var errs []error
	for _, leaf := range leaves(branches) {
		err := tool.onBranch(ctx, leaf.Name, func() error {
			return tool.run(ctx, vcs.Mutate, "stack", "submit")
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("submit stack at %s: %w", leaf.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (tool *GraphiteTool) onBranch(ctx context.Context, branch string, fn func() error) error {
	original, err := tool.git.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if err := tool.run(ctx, vcs.Mutate, "checkout", branch); err != nil {
		return err
	}
	fnErr := fn()
	if original != branch {
		if _, err := tool.git.Runner().Run(context.WithoutCancel(ctx), vcs.Command{
			Dir: tool.git.Dir(), Class: vcs.Mutate, Name: "git", Args: []string{"checkout", original},
		}); err != nil {
			return errors.Join(fnErr, fmt.Errorf("restore checkout %s: %w", original, err))
		}
	}
	return fnErr
}

// leaves returns branches no other branch is stacked on, in input order.
func leaves(branches []Branch) []Branch {
	parents := make(map[string]bool, len(branches))
	for _, b := range branches {
		parents[b.Parent] = true
	}
	var out []Branch
	for _, b := range branches {
		if !parents[b.Name] {
			out = append(out, b)
		}
	}
	return out
}
