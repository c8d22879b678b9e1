package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmtonkinson/stackrun/internal/dag"
	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/task"
)

func newPlanCmd(opts *globalOptions) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "plan <tasks.yaml>",
		Short: "Validate and layer a task file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger()
			if err != nil {
				return err
			}
			// A repository is optional for planning.
			root, rootErr := opts.repoRoot()
			if rootErr != nil {
				log.Debug("planning without repository config", "err", rootErr)
				root = ""
			}
			overrides := map[string]any{}
			setOverride(cmd, overrides, "strategy", "execution", "strategy", strategy)
			cfg, err := opts.loadConfig(root, overrides, log)
			if err != nil {
				return err
			}
			p, err := buildPlan(args[0], cfg.Execution.Strategy, cfg.Execution.MaxRetries)
			if err != nil {
				return err
			}
			unit := time.Duration(cfg.SizeUnitMinutes) * time.Minute
			fmt.Fprint(opts.stdout, dag.GetSummary(p, unit).String())
			fmt.Fprintf(opts.stdout, "\nrecommended strategy: %s\n", p.Analysis.Recommended)
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "requested strategy: auto, serial, parallel, hybrid, worktree")
	return cmd
}

// buildPlan loads a task file and builds the execution plan.
func buildPlan(path, strategy string, maxRetries int) (*plan.ExecutionPlan, error) {
	requested, ok := plan.ParseStrategy(strategy)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
	tasks, err := task.LoadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := plan.New(tasks, plan.Options{Requested: requested, MaxRetries: maxRetries})
	if err != nil {
		return nil, fmt.Errorf("build plan from %s: %w", path, err)
	}
	return p, nil
}
