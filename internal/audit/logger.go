// Package audit appends run notifications to a logfmt audit trail under the
// repository state directory.
package audit

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cmtonkinson/stackrun/internal/observer"
	"github.com/cmtonkinson/stackrun/internal/task"
	"github.com/cmtonkinson/stackrun/internal/worktree"
)

const (
	// FileName is the audit log file inside the state directory.
	FileName = "audit.log"
	// EventTaskTransition records task lifecycle transitions.
	EventTaskTransition = "task.transition"

	fileMode = 0o644
	dirMode  = 0o755
)

// Field is one logfmt key/value pair.
type Field struct {
	Key   string
	Value string
}

// Entry is one audit line.
type Entry struct {
	PlanID string
	TaskID string
	Event  string
	Fields []Field
}

// Logger appends entries to the audit log. It implements observer.Observer;
// write failures are logged and never interrupt the run.
type Logger struct {
	path   string
	log    *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
	planID string
}

// NewLogger builds a logger writing to <repoRoot>/.stackrun/audit.log.
func NewLogger(repoRoot string, log *slog.Logger) (*Logger, error) {
	if strings.TrimSpace(repoRoot) == "" {
		return nil, errors.New("repo root is required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Logger{
		path: filepath.Join(repoRoot, worktree.StateDirName, FileName),
		log:  log,
		now:  time.Now,
	}, nil
}

// Path returns the audit log location.
func (l *Logger) Path() string {
	return l.path
}

// Log writes one entry.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return errors.New("audit logger is nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := l.formatEntry(entry)
	if err != nil {
		return err
	}
	if err := l.appendLine(line); err != nil {
		return err
	}
	return nil
}

// OnTaskStateChange implements observer.Observer.
func (l *Logger) OnTaskStateChange(t *task.ExecutionTask, transition task.Transition) {
	l.mu.Lock()
	planID := l.planID
	l.mu.Unlock()
	l.record(Entry{
		PlanID: planID,
		TaskID: t.ID,
		Event:  EventTaskTransition,
		Fields: []Field{
			{Key: "from", Value: string(transition.From)},
			{Key: "to", Value: string(transition.To)},
			{Key: "reason", Value: transition.Reason},
		},
	})
}

// OnExecutionEvent implements observer.Observer.
func (l *Logger) OnExecutionEvent(event observer.Event) {
	if event.Type == observer.EventPlanStarted {
		l.mu.Lock()
		l.planID = event.PlanID
		l.mu.Unlock()
	}
	keys := make([]string, 0, len(event.Fields))
	for key := range event.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	fields := make([]Field, 0, len(keys)+1)
	for _, key := range keys {
		fields = append(fields, Field{Key: key, Value: event.Fields[key]})
	}
	fields = append(fields, Field{Key: "message", Value: event.Message})
	l.record(Entry{PlanID: event.PlanID, TaskID: event.TaskID, Event: string(event.Type), Fields: fields})
}

func (l *Logger) record(entry Entry) {
	if err := l.Log(entry); err != nil {
		l.log.Warn("audit log write failed", "path", l.path, "event", entry.Event, "err", err)
	}
}

// formatEntry renders an entry in stable logfmt order.
func (l *Logger) formatEntry(entry Entry) (string, error) {
	if entry.Event == "" {
		return "", errors.New("event is required")
	}
	fields := []string{formatField("ts", l.now().UTC().Format(time.RFC3339))}
	if entry.PlanID != "" {
		fields = append(fields, formatField("plan_id", entry.PlanID))
	}
	if entry.TaskID != "" {
		fields = append(fields, formatField("task_id", entry.TaskID))
	}
	fields = append(fields, formatField("event", entry.Event))
	for _, field := range entry.Fields {
		if field.Value == "" {
			continue
		}
		if field.Key == "" {
			return "", errors.New("field key is required")
		}
		fields = append(fields, formatField(field.Key, field.Value))
	}
	return strings.Join(fields, " "), nil
}

func formatField(key, value string) string {
	value = strings.ReplaceAll(value, "\n", `\n`)
	value = strings.ReplaceAll(value, "\r", `\r`)
	if needsQuoting(value) {
		value = strings.ReplaceAll(value, `\`, `\\`)
		return fmt.Sprintf(`%s="%s"`, key, strings.ReplaceAll(value, `"`, `\"`))
	}
	return key + "=" + value
}

func needsQuoting(value string) bool {
	return value == "" || strings.ContainsAny(value, " \t=\"")
}

func (l *Logger) appendLine(line string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), dirMode); err != nil {
		return fmt.Errorf("create audit log directory %s: %w", filepath.Dir(l.path), err)
	}
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", l.path, err)
	}
	if _, err := file.WriteString(line + "\n"); err != nil {
		_ = file.Close()
		return fmt.Errorf("write audit log %s: %w", l.path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close audit log %s: %w", l.path, err)
	}
	return nil
}
