// Tests for lifecycle transition guards.
package state

import (
	"errors"
	"strings"
	"testing"
)

// TestValidTransitionsAcceptsAllowedPairs ensures the state machine allows known transitions.
func TestValidTransitionsAcceptsAllowedPairs(t *testing.T) {
	cases := []struct {
		from TaskState
		to   TaskState
	}{
		{TaskStatePending, TaskStateReady},
		{TaskStatePending, TaskStateBlocked},
		{TaskStateReady, TaskStateQueued},
		{TaskStateReady, TaskStateSkipped},
		{TaskStateQueued, TaskStateRunning},
		{TaskStateQueued, TaskStateSkipped},
		{TaskStateRunning, TaskStateCompleted},
		{TaskStateRunning, TaskStateFailed},
		{TaskStateFailed, TaskStateQueued},
		{TaskStateBlocked, TaskStateReady},
		{TaskStateBlocked, TaskStateSkipped},
	}

	for _, tc := range cases {
		if !IsValidTransition(tc.from, tc.to) {
			t.Fatalf("expected transition from %q to %q to be valid", tc.from, tc.to)
		}
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Fatalf("unexpected error for %q to %q: %v", tc.from, tc.to, err)
		}
	}
}

// TestInvalidTransitionsRejectsUnknownPairs ensures disallowed transitions fail with typed errors.
func TestInvalidTransitionsRejectsUnknownPairs(t *testing.T) {
	cases := []struct {
		from TaskState
		to   TaskState
	}{
		{TaskStatePending, TaskStateSkipped},
		{TaskStatePending, TaskStateRunning},
		{TaskStateCompleted, TaskStateQueued},
		{TaskStateSkipped, TaskStateReady},
		{TaskStateRunning, TaskStateReady},
		{TaskStateBlocked, TaskStateBlocked},
		{TaskStateFailed, TaskStateRunning},
		{"", TaskStateReady},
		{TaskStateReady, ""},
		{"unknown", TaskStateReady},
	}

	for _, tc := range cases {
		if IsValidTransition(tc.from, tc.to) {
			t.Fatalf("expected transition from %q to %q to be invalid", tc.from, tc.to)
		}
		err := ValidateTransition(tc.from, tc.to)
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidTransitionError for %q to %q, got %v", tc.from, tc.to, err)
		}
		if !strings.Contains(err.Error(), "invalid task state transition") {
			t.Fatalf("expected concise transition error, got %v", err)
		}
	}
}

// TestSettledStates verifies which states trigger dependent propagation.
func TestSettledStates(t *testing.T) {
	for _, s := range AllStates() {
		want := s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateSkipped
		if got := s.Settled(); got != want {
			t.Fatalf("%q.Settled() = %v, want %v", s, got, want)
		}
		if !s.Valid() {
			t.Fatalf("expected %q to be valid", s)
		}
	}
	if TaskState("merged").Valid() {
		t.Fatal("expected unknown state to be invalid")
	}
}
