package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cmtonkinson/stackrun/internal/config"
)

func newInitCmd(opts *globalOptions) *cobra.Command {
	var trunk string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and initialize stacking on a trunk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := opts.logger()
			if err != nil {
				return err
			}
			root, err := opts.repoRoot()
			if err != nil {
				return err
			}
			created, err := config.InitRepoConfig(root, config.InitOptions{
				Verbose: opts.verbose,
				Writer:  opts.stderr,
				Trunk:   trunk,
			})
			if err != nil {
				return err
			}
			overrides := map[string]any{}
			setOverride(cmd, overrides, "trunk", "stack", "trunk", trunk)
			cfg, err := opts.loadConfig(root, overrides, log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			engine, err := newStackEngine(ctx, root, cfg, newRunner(cfg), log)
			if err != nil {
				return err
			}
			initialized, err := engine.Initialize(ctx, cfg.Stack.Trunk)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(opts.stdout, "wrote %s\n", config.FileName)
			}
			fmt.Fprintf(opts.stdout, "stacking initialized with %s on trunk %s\n", cfg.Stack.Tool, initialized)
			return nil
		},
	}
	cmd.Flags().StringVar(&trunk, "trunk", "", "trunk branch (default: the current branch)")
	return cmd
}
