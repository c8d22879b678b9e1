package stack

import "fmt"

// StackTrackingError reports a branch create or track failure that happened
// after the task's commit succeeded. The task stays completed.
type StackTrackingError struct {
	TaskID string
	Branch string
	Op     string
	Err    error
}

func (e *StackTrackingError) Error() string {
	return fmt.Sprintf("stack %s %s for task %s: %v", e.Op, e.Branch, e.TaskID, e.Err)
}

// Unwrap exposes the underlying failure.
func (e *StackTrackingError) Unwrap() error {
	return e.Err
}

// Warning is a stack degradation surfaced in the run result.
type Warning struct {
	TaskID  string
	Branch  string
	Message string
	Err     error
}

func (w Warning) String() string {
	switch {
	case w.Err != nil && w.TaskID != "":
		return fmt.Sprintf("%s (%s): %s: %v", w.TaskID, w.Branch, w.Message, w.Err)
	case w.Err != nil:
		return fmt.Sprintf("%s: %s: %v", w.Branch, w.Message, w.Err)
	default:
		return fmt.Sprintf("%s: %s", w.Branch, w.Message)
	}
}
