package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// InitOptions configures init-time behaviors such as verbose logging.
type InitOptions struct {
	Verbose bool
	Writer  io.Writer
	// Trunk is recorded in the written file when set.
	Trunk string
}

func (opts InitOptions) logf(format string, args ...any) {
	if !opts.Verbose {
		return
	}
	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}
	fmt.Fprintf(writer, format+"\n", args...)
}

// InitRepoConfig writes a default .stackrun.yaml at the repository root if
// none exists. It never overwrites an existing file and reports whether it
// wrote one.
func InitRepoConfig(repoRoot string, opts InitOptions) (bool, error) {
	if strings.TrimSpace(repoRoot) == "" {
		return false, errors.New("repo root cannot be empty")
	}
	path := filepath.Join(repoRoot, FileName)
	if _, err := os.Stat(path); err == nil {
		opts.logf("config %s already exists", FileName)
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("check config file %s: %w", path, err)
	}

	cfg := Defaults()
	cfg.Stack.Trunk = strings.TrimSpace(opts.Trunk)
	if err := Write(path, cfg); err != nil {
		return false, err
	}
	opts.logf("created file %s", FileName)
	return true, nil
}
