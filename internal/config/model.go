// Package config defines the stackrun configuration model.
package config

// Config is the full configuration surface, read from .stackrun.yaml.
type Config struct {
	Execution       ExecutionConfig `yaml:"execution"`
	Stack           StackConfig     `yaml:"stack"`
	Timeouts        TimeoutsConfig  `yaml:"timeouts"`
	Executor        ExecutorConfig  `yaml:"executor"`
	SizeUnitMinutes int             `yaml:"size_unit_minutes"`
	// MetricsFile, when set, receives a Prometheus textfile after each run.
	MetricsFile string `yaml:"metrics_file,omitempty"`
}

// ExecutionConfig captures run policy.
type ExecutionConfig struct {
	Strategy         string `yaml:"strategy"`
	ContinueOnError  bool   `yaml:"continue_on_error"`
	MaxRetries       int    `yaml:"max_retries"`
	MaxConcurrency   int    `yaml:"max_concurrency"`
	CleanupOnSuccess bool   `yaml:"cleanup_on_success"`
	CleanupOnFailure bool   `yaml:"cleanup_on_failure"`
}

// StackConfig describes branch naming and the stacking tool.
type StackConfig struct {
	Trunk          string `yaml:"trunk"`
	BranchPrefix   string `yaml:"branch_prefix"`
	WorktreePrefix string `yaml:"worktree_prefix"`
	Tool           string `yaml:"tool"`
	Remote         string `yaml:"remote"`
	AutoInit       bool   `yaml:"auto_init"`
	Submit         bool   `yaml:"submit"`
}

// TimeoutsConfig defines timeouts in seconds.
type TimeoutsConfig struct {
	ProbeSeconds    int `yaml:"probe_seconds"`
	MutateSeconds   int `yaml:"mutate_seconds"`
	ExecutorSeconds int `yaml:"executor_seconds"`
}

// ExecutorConfig selects the task command. Command overrides the built-in
// command for CLI.
type ExecutorConfig struct {
	CLI     string   `yaml:"cli"`
	Command []string `yaml:"command,omitempty"`
}

// Built-in CLI names.
const (
	CLICodex  = "codex"
	CLIClaude = "claude"
	CLIGemini = "gemini"
)

// BuiltInCommand returns the command template for a built-in CLI.
func BuiltInCommand(cli string) ([]string, bool) {
	switch cli {
	case CLICodex:
		return []string{"codex", "exec", "--sandbox=workspace-write", "{prompt_path}"}, true
	case CLIClaude:
		return []string{"claude", "--print", "{prompt_path}"}, true
	case CLIGemini:
		return []string{"gemini", "{prompt_path}"}, true
	default:
		return nil, false
	}
}

// IsValidCLI reports whether cli names a built-in.
func IsValidCLI(cli string) bool {
	_, ok := BuiltInCommand(cli)
	return ok
}

// ResolvedCommand returns the override command, or the built-in one.
func (cfg ExecutorConfig) ResolvedCommand() []string {
	if len(cfg.Command) > 0 {
		return cloneStrings(cfg.Command)
	}
	command, _ := BuiltInCommand(cfg.CLI)
	return command
}
