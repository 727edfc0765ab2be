package prompt

import (
	"strings"
	"testing"
)

func TestUnifiedDiff(t *testing.T) {
	if d := UnifiedDiff("same", "same"); d != "" {
		t.Fatalf("equal inputs diffed: %q", d)
	}

	a := "You are terse.\nAnswer in English.\nNever guess."
	b := "You are terse.\nCite sources.\nAnswer in English.\nNever guess."
	want := "--- a\n+++ b\n@@ -1,3 +1,4 @@\n You are terse.\n+Cite sources.\n Answer in English.\n Never guess.\n"
	if d := UnifiedDiff(a, b); d != want {
		t.Fatalf("insertion diff:\n%s\nwant:\n%s", d, want)
	}
}

func TestUnifiedDiffSplitsDistantHunks(t *testing.T) {
	var a, b []string
	for i := range 30 {
		line := strings.Repeat("x", i+1)
		a = append(a, line)
		b = append(b, line)
	}
	b[2] = "changed near the top"
	b[27] = "changed near the bottom"

	d := UnifiedDiff(strings.Join(a, "\n"), strings.Join(b, "\n"))
	if n := strings.Count(d, "@@ -"); n != 2 {
		t.Fatalf("want 2 hunks, got %d:\n%s", n, d)
	}
	if !strings.Contains(d, "@@ -1,6 +1,6 @@") || !strings.Contains(d, "-xxx\n+changed near the top") {
		t.Fatalf("first hunk:\n%s", d)
	}
}
