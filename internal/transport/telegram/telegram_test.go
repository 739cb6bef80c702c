package telegram

import (
	"strings"
	"testing"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	lines := make([]string, 30)
	for i := range lines {
		lines[i] = strings.Repeat("x", 10)
	}
	s := strings.Join(lines, "\n")

	chunks := splitText(s, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d over limit: %d", i, len(c))
		}
		if strings.Contains(c, "\n\n") {
			continue
		}
		for _, ln := range strings.Split(c, "\n") {
			if len(ln) != 10 && ln != "" {
				t.Fatalf("chunk %d split mid-line: %q", i, ln)
			}
		}
	}
	if got := strings.Join(chunks, "\n"); strings.ReplaceAll(got, "\n", "") != strings.ReplaceAll(s, "\n", "") {
		t.Fatal("content lost during split")
	}
}

func TestSplitTextHardBreakWithoutNewlines(t *testing.T) {
	s := strings.Repeat("a", 250)
	chunks := splitText(s, 100)
	var total int
	for _, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk over limit: %d", len(c))
		}
		total += len(c)
	}
	if total != 250 {
		t.Fatalf("total = %d, want 250", total)
	}
}
