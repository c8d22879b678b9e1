// Tests for run lock acquisition and stale handling.
package runlock

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestAcquireReleaseLock verifies a single run acquires and releases the lock.
func TestAcquireReleaseLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "run")
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	if lock.Reclaimed != nil {
		t.Fatalf("fresh lock should not reclaim, got %+v", lock.Reclaimed)
	}

	holder, err := Read(dir)
	if err != nil {
		t.Fatalf("read holder: %v", err)
	}
	if holder.PID != os.Getpid() || holder.Command != "run" {
		t.Fatalf("unexpected holder %+v", holder)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	if _, err := os.Stat(Path(dir)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected lock file to be removed")
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

// TestAcquireLockContention ensures a second process reports the active lock.
func TestAcquireLockContention(t *testing.T) {
	dir := t.TempDir()

	cmd := exec.Command(os.Args[0], "-test.run=TestRunLockHelperProcess", "--", dir)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}

	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		t.Fatalf("read helper output: %v", err)
	}
	if strings.TrimSpace(line) != "locked" {
		t.Fatalf("expected helper to report lock acquired, got %q", line)
	}

	_, err = Acquire(dir, "run")
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if !strings.Contains(err.Error(), "helper") {
		t.Fatalf("expected holder command in error, got %v", err)
	}

	_ = stdin.Close()
	if err := cmd.Wait(); err != nil {
		t.Fatalf("wait helper: %v", err)
	}
}

// TestAcquireReclaimsDeadHolder ensures files left by dead processes are taken over.
func TestAcquireReclaimsDeadHolder(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	startedAt := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	stale := fmt.Sprintf("pid=%d\ncommand=run\nstarted_at=%s\n", 999999, startedAt.Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(stale), fileMode); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	lock, err := Acquire(dir, "run")
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	defer func() { _ = lock.Release() }()

	if lock.Reclaimed == nil || lock.Reclaimed.PID != 999999 {
		t.Fatalf("expected reclaimed holder, got %+v", lock.Reclaimed)
	}
	if !lock.Reclaimed.StartedAt.Equal(startedAt) {
		t.Fatalf("reclaimed started_at = %s, want %s", lock.Reclaimed.StartedAt, startedAt)
	}
}

// TestParseHolderRejectsGarbage ensures malformed files are not trusted.
func TestParseHolderRejectsGarbage(t *testing.T) {
	for _, data := range []string{"", "pid=abc\n", "command=run\n", "pid=1\nstarted_at=yesterday\n"} {
		if _, err := parseHolder([]byte(data)); err == nil {
			t.Errorf("parseHolder(%q) should fail", data)
		}
	}
}

// TestRunLockHelperProcess holds the lock to simulate contention.
func TestRunLockHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	root, err := helperRepoRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	lock, err := Acquire(root, "helper")
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock helper failed: %v\n", err)
		os.Exit(2)
	}
	defer func() {
		_ = lock.Release()
	}()

	fmt.Fprintln(os.Stdout, "locked")
	_, _ = io.Copy(io.Discard, os.Stdin)
}

// helperRepoRoot extracts the repo root argument from the helper process args.
func helperRepoRoot() (string, error) {
	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			return os.Args[i+1], nil
		}
	}
	return "", fmt.Errorf("missing repo root")
}
