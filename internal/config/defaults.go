package config

import (
	"strings"

	"github.com/cmtonkinson/stackrun/internal/plan"
	"github.com/cmtonkinson/stackrun/internal/stack"
	"github.com/cmtonkinson/stackrun/internal/worktree"
)

const (
	defaultMaxRetries      = 0
	defaultProbeSeconds    = 15
	defaultMutateSeconds   = 120
	defaultExecutorSeconds = 1800
	defaultSizeUnitMinutes = 30
	defaultRemote          = "origin"
	defaultCLI             = CLICodex
)

// Defaults returns the documented configuration defaults.
//
// Defaults:
// - execution.strategy: "" (auto)
// - execution.continue_on_error: false
// - execution.max_retries: 0
// - execution.max_concurrency: 0 (unbounded; hybrid plans use 2)
// - execution.cleanup_on_success: true
// - execution.cleanup_on_failure: false
// - stack.trunk: "" (tool config, then the current branch)
// - stack.branch_prefix: "stackrun"
// - stack.worktree_prefix: "stackrun-wt"
// - stack.tool: "git"
// - stack.remote: "origin"
// - stack.auto_init: true
// - stack.submit: false
// - timeouts: probe 15s, mutate 120s, executor 1800s
// - executor.cli: "codex"
// - size_unit_minutes: 30
func Defaults() Config {
	return Config{
		Execution: ExecutionConfig{
			MaxRetries:       defaultMaxRetries,
			CleanupOnSuccess: true,
		},
		Stack: StackConfig{
			BranchPrefix:   stack.DefaultBranchPrefix,
			WorktreePrefix: worktree.DefaultBranchPrefix,
			Tool:           string(stack.ToolGit),
			Remote:         defaultRemote,
			AutoInit:       true,
		},
		Timeouts: TimeoutsConfig{
			ProbeSeconds:    defaultProbeSeconds,
			MutateSeconds:   defaultMutateSeconds,
			ExecutorSeconds: defaultExecutorSeconds,
		},
		Executor: ExecutorConfig{
			CLI: defaultCLI,
		},
		SizeUnitMinutes: defaultSizeUnitMinutes,
	}
}

// ApplyDefaults fills missing or invalid values with documented defaults.
func ApplyDefaults(cfg Config, warn func(string)) Config {
	defaults := Defaults()

	cfg.Execution.Strategy = normalizeStrategy(cfg.Execution.Strategy, "execution.strategy", warn)
	cfg.Execution.MaxRetries = normalizeNonNegativeInt(
		cfg.Execution.MaxRetries,
		defaults.Execution.MaxRetries,
		"execution.max_retries",
		warn,
	)
	cfg.Execution.MaxConcurrency = normalizeNonNegativeInt(
		cfg.Execution.MaxConcurrency,
		defaults.Execution.MaxConcurrency,
		"execution.max_concurrency",
		warn,
	)

	cfg.Stack.Trunk = strings.TrimSpace(cfg.Stack.Trunk)
	cfg.Stack.BranchPrefix = normalizeName(cfg.Stack.BranchPrefix, defaults.Stack.BranchPrefix, "stack.branch_prefix", warn)
	cfg.Stack.WorktreePrefix = normalizeName(cfg.Stack.WorktreePrefix, defaults.Stack.WorktreePrefix, "stack.worktree_prefix", warn)
	if cfg.Stack.BranchPrefix == cfg.Stack.WorktreePrefix {
		emitWarning(warn, "stack.worktree_prefix must differ from stack.branch_prefix; using defaults")
		cfg.Stack.BranchPrefix = defaults.Stack.BranchPrefix
		cfg.Stack.WorktreePrefix = defaults.Stack.WorktreePrefix
	}
	cfg.Stack.Tool = normalizeTool(cfg.Stack.Tool, defaults.Stack.Tool, "stack.tool", warn)
	cfg.Stack.Remote = normalizeName(cfg.Stack.Remote, defaults.Stack.Remote, "stack.remote", warn)

	cfg.Timeouts.ProbeSeconds = normalizePositiveInt(cfg.Timeouts.ProbeSeconds, defaults.Timeouts.ProbeSeconds, "timeouts.probe_seconds", warn)
	cfg.Timeouts.MutateSeconds = normalizePositiveInt(cfg.Timeouts.MutateSeconds, defaults.Timeouts.MutateSeconds, "timeouts.mutate_seconds", warn)
	cfg.Timeouts.ExecutorSeconds = normalizePositiveInt(cfg.Timeouts.ExecutorSeconds, defaults.Timeouts.ExecutorSeconds, "timeouts.executor_seconds", warn)

	cfg.Executor.CLI = normalizeCLI(cfg.Executor.CLI, defaults.Executor.CLI, "executor.cli", warn)
	cfg.Executor.Command = normalizeCommandOverride(cfg.Executor.Command, "executor.command", warn)

	cfg.SizeUnitMinutes = normalizePositiveInt(cfg.SizeUnitMinutes, defaults.SizeUnitMinutes, "size_unit_minutes", warn)
	cfg.MetricsFile = strings.TrimSpace(cfg.MetricsFile)
	return cfg
}

// normalizePositiveInt defaults values below one.
func normalizePositiveInt(value int, fallback int, key string, warn func(string)) int {
	if value <= 0 {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return value
}

// normalizeNonNegativeInt defaults negative values.
func normalizeNonNegativeInt(value int, fallback int, key string, warn func(string)) int {
	if value < 0 {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return value
}

func normalizeStrategy(value string, key string, warn func(string)) string {
	parsed, ok := plan.ParseStrategy(strings.TrimSpace(value))
	if !ok {
		emitWarning(warn, "invalid "+key+"; using auto")
		return string(plan.StrategyAuto)
	}
	return string(parsed)
}

func normalizeTool(value string, fallback string, key string, warn func(string)) string {
	kind, err := stack.ParseToolKind(strings.TrimSpace(value))
	if err != nil {
		emitWarning(warn, "invalid "+key+"; using "+fallback)
		return fallback
	}
	return string(kind)
}

// normalizeName ensures a ref-like setting is non-empty and has no spaces.
func normalizeName(value string, fallback string, key string, warn func(string)) string {
	trimmed := strings.Trim(strings.TrimSpace(value), "/")
	if trimmed == "" || strings.ContainsAny(trimmed, " \t") {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return trimmed
}

// normalizeCLI validates and defaults the CLI selection.
func normalizeCLI(value string, fallback string, key string, warn func(string)) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || !IsValidCLI(trimmed) {
		emitWarning(warn, "invalid "+key+"; using default CLI")
		return fallback
	}
	return trimmed
}

// normalizeCommandOverride validates a command override; empty is valid.
func normalizeCommandOverride(value []string, key string, warn func(string)) []string {
	if len(value) == 0 {
		return nil
	}
	if !containsTaskToken(value) {
		emitWarning(warn, "invalid "+key+"; must contain {prompt_path} or {task_id}")
		return nil
	}
	return cloneStrings(value)
}

func containsTaskToken(command []string) bool {
	for _, token := range command {
		if strings.Contains(token, "{prompt_path}") || strings.Contains(token, "{task_id}") {
			return true
		}
	}
	return false
}

// cloneStrings copies a string slice to avoid shared references.
func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

// emitWarning forwards warnings to the provided sink.
func emitWarning(warn func(string), message string) {
	if warn == nil {
		return
	}
	warn(message)
}
