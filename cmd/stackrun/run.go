package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmtonkinson/stackrun/internal/audit"
	"github.com/cmtonkinson/stackrun/internal/config"
	"github.com/cmtonkinson/stackrun/internal/dag"
	"github.com/cmtonkinson/stackrun/internal/executor"
	"github.com/cmtonkinson/stackrun/internal/metrics"
	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/orchestrator"
	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/runlock"
	"github.com/cmtonkinson/stackrun/internal/stack"
	"github.com/cmtonkinson/stackrun/internal/strategy"
	"github.com/cmtonkinson/stackrun/internal/vcs"
	"github.com/cmtonkinson/stackrun/internal/worktree"
)

type runFlags struct {
	strategy        string
	continueOnError bool
	maxRetries      int
	maxConcurrency  int
	submit          bool
	metricsFile     string
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <tasks.yaml>",
		Short: "Execute a task file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			setOverride(cmd, overrides, "strategy", "execution", "strategy", flags.strategy)
			setOverride(cmd, overrides, "continue-on-error", "execution", "continue_on_error", flags.continueOnError)
			setOverride(cmd, overrides, "max-retries", "execution", "max_retries", flags.maxRetries)
			setOverride(cmd, overrides, "max-concurrency", "execution", "max_concurrency", flags.maxConcurrency)
			setOverride(cmd, overrides, "submit", "stack", "submit", flags.submit)
			if cmd.Flags().Changed("metrics-file") {
				overrides["metrics_file"] = flags.metricsFile
			}
			return runPlanFile(cmd.Context(), opts, args[0], overrides)
		},
	}
	cmd.Flags().StringVar(&flags.strategy, "strategy", "", "requested strategy: auto, serial, parallel, hybrid, worktree")
	cmd.Flags().BoolVar(&flags.continueOnError, "continue-on-error", false, "keep running independent tasks after a failure")
	cmd.Flags().IntVar(&flags.maxRetries, "max-retries", 0, "retries per failed task")
	cmd.Flags().IntVar(&flags.maxConcurrency, "max-concurrency", 0, "tasks in flight per layer (0 = unbounded)")
	cmd.Flags().BoolVar(&flags.submit, "submit", false, "submit the stack after a worktree run")
	cmd.Flags().StringVar(&flags.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
	return cmd
}

func runPlanFile(ctx context.Context, opts *globalOptions, path string, overrides map[string]any) error {
	log, err := opts.logger()
	if err != nil {
		return err
	}
	root, err := opts.repoRoot()
	if err != nil {
		return err
	}
	cfg, err := opts.loadConfig(root, overrides, log)
	if err != nil {
		return err
	}
	p, err := buildPlan(path, cfg.Execution.Strategy, cfg.Execution.MaxRetries)
	if err != nil {
		return err
	}

	lock, err := runlock.Acquire(root, "run "+filepath.Base(path))
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("release run lock", "err", err)
		}
	}()
	if lock.Reclaimed != nil {
		log.Warn("reclaimed run lock from exited process", "pid", lock.Reclaimed.PID, "since", lock.Reclaimed.StartedAt)
	}

	runner := newRunner(cfg)
	if err := excludeStateDir(ctx, vcs.NewGit(runner, root)); err != nil {
		return err
	}
	exe, err := executor.NewCommandExecutor(executor.CommandConfig{
		Command:  cfg.Executor.ResolvedCommand(),
		StateDir: filepath.Join(root, worktree.StateDirName),
		RepoRoot: root,
		Timeout:  time.Duration(cfg.Timeouts.ExecutorSeconds) * time.Second,
		Runner:   runner,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	// Stacking is optional; without it the orchestrator falls back to
	// parallel or serial execution.
	var engine *stack.Engine
	if p.Strategy == plan.StrategyWorktree {
		engine, err = newStackEngine(ctx, root, cfg, runner, log)
		if err != nil {
			log.Warn("stacking unavailable", "err", err)
			engine = nil
		} else if cfg.Stack.AutoInit {
			if _, err := engine.Initialize(ctx, cfg.Stack.Trunk); err != nil {
				log.Warn("stacking initialization failed", "err", err)
				engine = nil
			}
		}
	}

	auditLog, err := audit.NewLogger(root, log)
	if err != nil {
		return err
	}
	collectors := metrics.New()
	observers := observer.Multi{observer.NewLogger(log), auditLog, collectors}

	orch, err := orchestrator.New(orchestrator.Config{
		Context: &strategy.Context{
			RepoPath: root,
			Executor: exe,
			Stack:    engine,
			Options: strategy.Options{
				ContinueOnError:  cfg.Execution.ContinueOnError,
				CleanupOnSuccess: cfg.Execution.CleanupOnSuccess,
				CleanupOnFailure: cfg.Execution.CleanupOnFailure,
				MaxConcurrency:   cfg.Execution.MaxConcurrency,
				Submit:           cfg.Stack.Submit,
			},
		},
		Observer: observers,
		Logger:   log,
		SizeUnit: time.Duration(cfg.SizeUnitMinutes) * time.Minute,
	})
	if err != nil {
		return err
	}

	stopSignals := cancelOnSignal(orch, log)
	defer stopSignals()

	result, runErr := orch.Execute(ctx, p, plan.StrategyAuto)
	writeMetrics(cfg, collectors, log)
	printResult(opts.stdout, p, result, cfg)
	if runErr != nil {
		return runErr
	}
	if result.Status != plan.StatusCompleted {
		return fmt.Errorf("%w: status %s", errPlanIncomplete, result.Status)
	}
	return nil
}

// cancelOnSignal cancels the run on SIGINT or SIGTERM.
func cancelOnSignal(orch *orchestrator.Orchestrator, log *slog.Logger) func() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-signals:
			log.Warn("cancelling run", "signal", sig.String())
			if err := orch.Cancel(); err != nil {
				log.Error("cancel run", "err", err)
			}
		case <-done:
		}
	}()
	return func() {
		signal.Stop(signals)
		close(done)
	}
}

func writeMetrics(cfg config.Config, collectors *metrics.Metrics, log *slog.Logger) {
	if cfg.MetricsFile == "" {
		return
	}
	if err := collectors.WriteTextfile(cfg.MetricsFile); err != nil {
		log.Warn("metrics not written", "err", err)
	}
}

func printResult(out io.Writer, p *plan.ExecutionPlan, result orchestrator.Result, cfg config.Config) {
	unit := time.Duration(cfg.SizeUnitMinutes) * time.Minute
	fmt.Fprint(out, dag.GetSummary(p, unit).String())
	fmt.Fprintf(out, "\n%s via %s in %s: %d completed, %d failed, %d skipped\n",
		result.Status, result.Strategy, result.Duration.Round(time.Millisecond),
		result.Completed, result.Failed, result.Skipped)
	for _, b := range result.Branches {
		line := fmt.Sprintf("  %s -> %s", b.Name, b.Parent)
		if b.Collided {
			line += fmt.Sprintf(" (requested %s)", b.Requested)
		}
		fmt.Fprintln(out, line)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w.String())
	}
}
