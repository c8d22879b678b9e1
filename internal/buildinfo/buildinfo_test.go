package buildinfo

import (
	"strings"
	"testing"
)

// TestStringUsesStampedValues verifies linker-stamped values are reported verbatim.
func TestStringUsesStampedValues(t *testing.T) {
	origVersion, origCommit, origBuiltAt := Version, Commit, BuiltAt
	t.Cleanup(func() { Version, Commit, BuiltAt = origVersion, origCommit, origBuiltAt })

	Version, Commit, BuiltAt = "1.2.3", "8d3f2a1", "2026-02-14T09:30:00Z"
	if got, want := String(), "version=1.2.3 commit=8d3f2a1 built_at=2026-02-14T09:30:00Z"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

// TestStringFormat verifies the three space-separated fields.
func TestStringFormat(t *testing.T) {
	parts := strings.Split(String(), " ")
	if len(parts) != 3 {
		t.Fatalf("String() should have 3 parts, got %q", parts)
	}
	for i, prefix := range []string{"version=", "commit=", "built_at="} {
		if !strings.HasPrefix(parts[i], prefix) {
			t.Errorf("part %d = %q, want prefix %q", i, parts[i], prefix)
		}
	}
}
