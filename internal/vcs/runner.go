// Package vcs runs external version-control and stacking commands with
// bounded timeouts and structured failures.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	defaultProbeTimeout  = 15 * time.Second
	defaultMutateTimeout = 2 * time.Minute
	// outputLimit caps how much captured output an error carries.
	outputLimit = 8000
)

// ErrTimeout matches command failures caused by the command timeout.
var ErrTimeout = errors.New("command timed out")

// Class selects which timeout bound applies to a command.
type Class int

const (
	// Probe is a short read-only status query.
	Probe Class = iota
	// Mutate changes refs, commits, worktrees or remote state.
	Mutate
)

// Timeouts bounds command runtime per class.
type Timeouts struct {
	Probe  time.Duration
	Mutate time.Duration
}

// DefaultTimeouts returns the built-in bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{Probe: defaultProbeTimeout, Mutate: defaultMutateTimeout}
}

// ExternalToolError captures a failed command invocation.
type ExternalToolError struct {
	Command  string
	Args     []string
	Dir      string
	ExitCode int
	Output   string
	TimedOut bool
	Err      error
}

func (e *ExternalToolError) Error() string {
	cmd := strings.TrimSpace(e.Command + " " + strings.Join(e.Args, " "))
	output := strings.TrimSpace(e.Output)
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s timed out: %s", cmd, output)
	case output == "":
		return fmt.Sprintf("%s failed (exit %d): %v", cmd, e.ExitCode, e.Err)
	default:
		return fmt.Sprintf("%s failed (exit %d): %s", cmd, e.ExitCode, output)
	}
}

// Unwrap exposes the underlying exec error.
func (e *ExternalToolError) Unwrap() error {
	return e.Err
}

// Is matches ErrTimeout for timed-out commands.
func (e *ExternalToolError) Is(target error) bool {
	return target == ErrTimeout && e.TimedOut
}

// IsExitStatus reports whether err is an ExternalToolError with the given exit code.
func IsExitStatus(err error, status int) bool {
	var toolErr *ExternalToolError
	if !errors.As(err, &toolErr) {
		return false
	}
	return !toolErr.TimedOut && toolErr.ExitCode == status
}

// Runner executes commands.
type Runner struct {
	timeouts Timeouts
}

// NewRunner builds a Runner; non-positive timeouts fall back to defaults.
func NewRunner(timeouts Timeouts) *Runner {
	defaults := DefaultTimeouts()
	if timeouts.Probe <= 0 {
		timeouts.Probe = defaults.Probe
	}
	if timeouts.Mutate <= 0 {
		timeouts.Mutate = defaults.Mutate
	}
	return &Runner{timeouts: timeouts}
}

// Timeouts returns the configured bounds.
func (r *Runner) Timeouts() Timeouts {
	return r.timeouts
}

// Command describes one invocation.
type Command struct {
	Dir   string
	Class Class
	Name  string
	Args  []string
	Env   []string
}

// Run executes the command and returns trimmed stdout. Failures, including
// spawn errors and timeouts, are returned as *ExternalToolError carrying the
// combined stdout and stderr.
func (r *Runner) Run(ctx context.Context, command Command) (string, error) {
	if strings.TrimSpace(command.Dir) == "" {
		return "", errors.New("command directory is required")
	}
	if strings.TrimSpace(command.Name) == "" {
		return "", errors.New("command name is required")
	}
	timeout := r.timeouts.Probe
	if command.Class == Mutate {
		timeout = r.timeouts.Mutate
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command.Name, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	var stdout bytes.Buffer
	combined := &lockedBuffer{}
	cmd.Stdout = &teeWriter{primary: &stdout, secondary: combined}
	cmd.Stderr = combined

	err := cmd.Run()
	if err == nil {
		return strings.TrimSpace(stdout.String()), nil
	}
	toolErr := &ExternalToolError{
		Command:  command.Name,
		Args:     append([]string(nil), command.Args...),
		Dir:      command.Dir,
		ExitCode: -1,
		Output:   truncate(combined.String(), outputLimit),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		toolErr.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		toolErr.TimedOut = true
	}
	return strings.TrimSpace(stdout.String()), toolErr
}

// teeWriter writes to both buffers so stdout stays parseable while errors
// carry interleaved output.
type teeWriter struct {
	primary   *bytes.Buffer
	secondary *lockedBuffer
}

// lockedBuffer is written from the stdout and stderr copy goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.primary.Write(p)
	w.secondary.Write(p)
	return len(p), nil
}

// truncate keeps at most limit bytes without splitting a UTF-8 sequence.
func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
