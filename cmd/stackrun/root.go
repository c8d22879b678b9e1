package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cmtonkinson/stackrun/internal/buildinfo"
	"github.com/cmtonkinson/stackrun/internal/config"
	"github.com/cmtonkinson/stackrun/internal/repo"
)

// errPlanIncomplete marks runs that finished without completing every task.
var errPlanIncomplete = errors.New("plan did not complete")

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	repoPath   string
	verbose    bool
	logFormat  string

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "stackrun",
		Short:         "Run a task DAG and stack the results as branches",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       buildinfo.String(),
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("{{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default <repo>/"+config.FileName+")")
	flags.StringVar(&opts.repoPath, "repo", "", "repository root (default: discovered from the working directory)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	root.AddCommand(
		newPlanCmd(opts),
		newRunCmd(opts),
		newInitCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

func newVersionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintln(opts.stdout, buildinfo.String())
			return err
		},
	}
}

// logger builds the slog logger selected by the global flags.
func (opts *globalOptions) logger() (*slog.Logger, error) {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(opts.logFormat)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(opts.stderr, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(opts.stderr, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.logFormat)
	}
}

// repoRoot resolves --repo or the working directory.
func (opts *globalOptions) repoRoot() (string, error) {
	return repo.Resolve(opts.repoPath)
}

// loadConfig reads configuration layers, logging normalization warnings.
func (opts *globalOptions) loadConfig(repoRoot string, overrides map[string]any, log *slog.Logger) (config.Config, error) {
	cfg, err := config.Load(repoRoot, config.LoadOptions{Path: opts.configPath, Overrides: overrides}, func(message string) {
		log.Warn("config", "warning", message)
	})
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// setOverride records a flag value under a YAML section when the flag was set.
func setOverride(cmd *cobra.Command, overrides map[string]any, flag, section, key string, value any) {
	if !cmd.Flags().Changed(flag) {
		return
	}
	nested, ok := overrides[section].(map[string]any)
	if !ok {
		nested = map[string]any{}
		overrides[section] = nested
	}
	nested[key] = value
}
