package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cmtonkinson/stackrun/internal/task"
	"github.com/cmtonkinson/stackrun/internal/templates"
	"github.com/cmtonkinson/stackrun/internal/vcs"
)

const (
	promptsDirName = "prompts"
	logsDirName    = "logs"
	dirMode        = 0o755
	fileMode       = 0o644
	// outputTail bounds how much output a Result carries.
	outputTail = 16000
	// killGrace is how long a cancelled process may linger after its pipes close.
	killGrace = 5 * time.Second
)

// CommandConfig configures a CommandExecutor.
type CommandConfig struct {
	// Command is an argv template; see ResolveCommand for tokens.
	Command []string
	// StateDir receives prompts and logs, normally <repo>/.stackrun.
	StateDir string
	RepoRoot string
	Timeout  time.Duration
	Runner   *vcs.Runner
	Logger   *slog.Logger
}

// CommandExecutor runs an external agent command per task.
type CommandExecutor struct {
	cfg    CommandConfig
	logger *slog.Logger
}

// NewCommandExecutor validates the command template and builds an executor.
func NewCommandExecutor(cfg CommandConfig) (*CommandExecutor, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("executor command is required")
	}
	if _, err := applyTemplate(cfg.Command, tokens{taskID: "probe", promptPath: "probe", workdir: "probe", repoRoot: "probe"}); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		return nil, errors.New("state directory is required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("executor timeout must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CommandExecutor{cfg: cfg, logger: logger}, nil
}

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, t *task.Task, workdir string, mode Mode) (Result, error) {
	if t == nil {
		return Result{}, errors.New("task is required")
	}
	if strings.TrimSpace(workdir) == "" {
		return Result{}, errors.New("work directory is required")
	}
	if err := task.ValidateID(t.ID); err != nil {
		return Result{}, err
	}
	promptPath, err := WritePrompt(e.cfg.StateDir, t)
	if err != nil {
		return Result{}, err
	}
	argv, err := ResolveCommand(e.cfg.Command, t.ID, promptPath, workdir, e.cfg.RepoRoot)
	if err != nil {
		return Result{}, fmt.Errorf("resolve executor command: %w", err)
	}
	logFile, logPath, err := createLogFile(e.cfg.StateDir, t.ID)
	if err != nil {
		return Result{}, err
	}
	defer logFile.Close()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.WaitDelay = killGrace
	cmd.Env = append(os.Environ(),
		"STACKRUN_TASK_ID="+t.ID,
		"STACKRUN_PROMPT_PATH="+promptPath,
		"STACKRUN_WORKDIR="+workdir,
		"STACKRUN_MODE="+string(mode),
	)
	captured := &tailBuffer{limit: outputTail}
	sink := &syncWriter{w: io.MultiWriter(logFile, captured)}
	cmd.Stdout = sink
	cmd.Stderr = sink

	start := time.Now()
	runErr := cmd.Run()
	result := Result{
		Status:   StatusSuccess,
		Output:   captured.String(),
		Duration: time.Since(start),
	}
	if runErr != nil {
		result.Status = StatusFailure
		result.ExitCode = -1
		var exitErr *exec.ExitError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			result.TimedOut = true
			e.logger.Warn("executor timed out", "task_id", t.ID, "timeout", e.cfg.Timeout, "log", logPath)
		case ctx.Err() != nil:
			e.logger.Info("executor cancelled", "task_id", t.ID)
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return result, fmt.Errorf("start executor for task %s: %w", t.ID, runErr)
		}
	}

	files, err := vcs.NewGit(e.cfg.Runner, workdir).ChangedFiles(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Debug("changed files unavailable", "task_id", t.ID, "err", err)
	}
	result.FilesChanged = files
	e.logger.Debug("executor finished", "task_id", t.ID, "status", result.Status, "exit_code", result.ExitCode, "log", logPath)
	return result, nil
}

// WritePrompt renders the task into a markdown prompt under stateDir.
func WritePrompt(stateDir string, t *task.Task) (string, error) {
	if err := task.ValidateID(t.ID); err != nil {
		return "", err
	}
	dir := filepath.Join(stateDir, promptsDirName)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", fmt.Errorf("create prompts directory %s: %w", dir, err)
	}
	prompt, err := RenderPrompt(t)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, t.ID+".md")
	if err := os.WriteFile(path, []byte(prompt), fileMode); err != nil {
		return "", fmt.Errorf("write prompt %s: %w", path, err)
	}
	return path, nil
}

// RenderPrompt formats a task for an agent.
func RenderPrompt(t *task.Task) (string, error) {
	return templates.Render(templates.TaskPrompt, t)
}

func createLogFile(stateDir, taskID string) (*os.File, string, error) {
	dir := filepath.Join(stateDir, logsDirName)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, "", fmt.Errorf("create logs directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", taskID, time.Now().Format("20060102-150405.000")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileMode)
	if err != nil {
		return nil, "", fmt.Errorf("create executor log %s: %w", path, err)
	}
	return file, path, nil
}

// tailBuffer keeps the last limit bytes written.
type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

// syncWriter serializes stdout and stderr copies into one sink.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
