package task

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk task list format.
type File struct {
	Tasks []Task `yaml:"tasks"`
}

// LoadFile reads and normalizes a YAML task list.
func LoadFile(path string) ([]Task, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("task file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file %s: %w", path, err)
	}
	tasks, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}
	return tasks, nil
}

// Parse decodes a YAML task list and normalizes every task.
func Parse(data []byte) ([]Task, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var file File
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	tasks := make([]Task, 0, len(file.Tasks))
	for i, t := range file.Tasks {
		normalized, err := Normalize(t)
		if err != nil {
			return nil, fmt.Errorf("task at index %d: %w", i, err)
		}
		tasks = append(tasks, normalized)
	}
	return tasks, nil
}

// Normalize trims fields, validates the id and size, and deduplicates requires
// while preserving declaration order.
func Normalize(t Task) (Task, error) {
	t.ID = strings.TrimSpace(t.ID)
	if err := ValidateID(t.ID); err != nil {
		return Task{}, err
	}
	t.Title = strings.TrimSpace(t.Title)
	size, err := ParseSize(string(t.EstimatedSize))
	if err != nil {
		return Task{}, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.EstimatedSize = size
	t.Requires = dedupe(t.Requires)
	t.Touches = dedupe(t.Touches)
	t.Produces = dedupe(t.Produces)
	return t, nil
}

// ValidateID rejects ids that are blank, contain whitespace, or could leave
// the state directory when used as a file name.
func ValidateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return errors.New("task id is required")
	case strings.ContainsAny(id, " \t\r\n"):
		return fmt.Errorf("task id %q must not contain whitespace", id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("task id %q must not contain path separators", id)
	case strings.Contains(id, ".."):
		return fmt.Errorf("task id %q must not contain %q", id, "..")
	}
	return nil
}

// dedupe trims entries and drops blanks and repeats, keeping first occurrences.
func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
