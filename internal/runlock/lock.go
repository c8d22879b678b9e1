// Package runlock keeps two stackrun processes from driving one repository.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cmtonkinson/stackrun/internal/worktree"
)

const (
	// FileName is the lock file inside the state directory.
	FileName = "run.lock"

	fileMode = 0o644
	dirMode  = 0o755
)

// ErrLockHeld is returned when another live process holds the lock.
var ErrLockHeld = errors.New("run lock already held")

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID       int
	Command   string
	StartedAt time.Time
}

// Lock is an acquired run lock.
type Lock struct {
	file *os.File
	path string
	// Reclaimed is set when the file was left behind by a dead process.
	Reclaimed *Holder
}

// Path returns the lock file location for repoRoot.
func Path(repoRoot string) string {
	return filepath.Join(repoRoot, worktree.StateDirName, FileName)
}

// Acquire takes an exclusive flock on <repo>/.stackrun/run.lock and records
// the holder. Lock files left by dead processes are reclaimed.
func Acquire(repoRoot, command string) (*Lock, error) {
	if strings.TrimSpace(repoRoot) == "" {
		return nil, errors.New("repo root is required")
	}
	path := Path(repoRoot)
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("create run lock directory %s: %w", filepath.Dir(path), err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileMode)
	if err != nil {
		return nil, fmt.Errorf("open run lock %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, heldError(path)
		}
		return nil, fmt.Errorf("lock run lock %s: %w", path, err)
	}

	lock := &Lock{file: file, path: path}
	if previous, err := Read(repoRoot); err == nil && previous.PID != os.Getpid() {
		alive, aliveErr := processExists(previous.PID)
		if aliveErr == nil && alive {
			_ = lock.unlock()
			return nil, fmt.Errorf("%w: pid %d (%s) since %s", ErrLockHeld,
				previous.PID, previous.Command, previous.StartedAt.Format(time.RFC3339))
		}
		lock.Reclaimed = &previous
	}

	holder := Holder{PID: os.Getpid(), Command: command, StartedAt: time.Now().UTC()}
	if err := writeHolder(file, holder); err != nil {
		_ = lock.unlock()
		return nil, err
	}
	return lock, nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = l.unlock()
		return fmt.Errorf("remove run lock %s: %w", l.path, err)
	}
	return l.unlock()
}

func (l *Lock) unlock() error {
	file := l.file
	l.file = nil
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		_ = file.Close()
		return fmt.Errorf("unlock run lock: %w", err)
	}
	return file.Close()
}

// Read parses the holder recorded for repoRoot.
func Read(repoRoot string) (Holder, error) {
	data, err := os.ReadFile(Path(repoRoot))
	if err != nil {
		return Holder{}, err
	}
	return parseHolder(data)
}

func heldError(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrLockHeld, path)
	}
	holder, err := parseHolder(data)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrLockHeld, path)
	}
	return fmt.Errorf("%w: pid %d (%s) since %s; wait for it to finish", ErrLockHeld,
		holder.PID, holder.Command, holder.StartedAt.Format(time.RFC3339))
}

// parseHolder reads key=value lines.
func parseHolder(data []byte) (Holder, error) {
	var holder Holder
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			pid, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || pid <= 0 {
				return Holder{}, fmt.Errorf("parse pid %q", value)
			}
			holder.PID = pid
		case "command":
			holder.Command = value
		case "started_at":
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Holder{}, fmt.Errorf("parse started_at: %w", err)
			}
			holder.StartedAt = ts
		}
	}
	if holder.PID == 0 {
		return Holder{}, errors.New("missing pid")
	}
	return holder, nil
}

func writeHolder(file *os.File, holder Holder) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate run lock: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek run lock: %w", err)
	}
	payload := fmt.Sprintf("pid=%d\ncommand=%s\nstarted_at=%s\n",
		holder.PID, holder.Command, holder.StartedAt.Format(time.RFC3339))
	if _, err := file.WriteString(payload); err != nil {
		return fmt.Errorf("write run lock: %w", err)
	}
	return nil
}

// processExists reports whether pid names a live process.
func processExists(pid int) (bool, error) {
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, syscall.EPERM):
		return true, nil
	case errors.Is(err, syscall.ESRCH):
		return false, nil
	default:
		return false, err
	}
}
