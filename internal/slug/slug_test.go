package slug

import "testing"

// TestSlugify covers the lowercase normalization rules.
func TestSlugify(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "whitespace only", in: "   ", want: ""},
		{name: "mixed case and digits", in: "Task 42", want: "task-42"},
		{name: "punctuation collapse", in: "Review!!! Phase", want: "review-phase"},
		{name: "trim hyphen", in: "--slug--", want: "slug"},
		{name: "multiple separators", in: "A/B\\C", want: "a-b-c"},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.in); got != tt.want {
				t.Fatalf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestBranch covers ref-safe branch names built from task ids.
func TestBranch(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		prefix string
		id     string
		want   string
	}{
		{prefix: "stackrun", id: "auth", want: "stackrun/auth"},
		{prefix: "/stackrun/", id: "T_01.v2", want: "stackrun/T_01.v2"},
		{prefix: "", id: "a b", want: "a-b"},
		{prefix: "wt", id: "x..y", want: "wt/x.y"},
		{prefix: "wt", id: "name.lock", want: "wt/name"},
		{prefix: "wt", id: "feat:~^?*[", want: "wt/feat"},
	}

	for _, tt := range testCases {
		if got := Branch(tt.prefix, tt.id); got != tt.want {
			t.Fatalf("Branch(%q, %q) = %q, want %q", tt.prefix, tt.id, got, tt.want)
		}
	}
}
