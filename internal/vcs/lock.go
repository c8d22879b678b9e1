package vcs

import (
	"path/filepath"
	"sync"
)

var (
	repoLocksMu sync.Mutex
	repoLocks   = map[string]*sync.Mutex{}
)

// LockRepo returns the process-wide mutex guarding metadata mutations of the
// repository at path. Paths are canonicalized so aliases share one lock.
func LockRepo(path string) *sync.Mutex {
	key := CanonicalPath(path)
	repoLocksMu.Lock()
	defer repoLocksMu.Unlock()
	lock, ok := repoLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		repoLocks[key] = lock
	}
	return lock
}

// CanonicalPath resolves path to an absolute, symlink-free form when possible.
func CanonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
