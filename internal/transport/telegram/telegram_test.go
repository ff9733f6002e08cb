package telegram

import (
	"strings"
	"testing"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()

	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("short text should be one chunk, got %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	lines := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		lines = append(lines, strings.Repeat("x", 20))
	}
	text := strings.Join(lines, "\n")

	chunks := splitText(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d has dangling newline: %q", i, c)
		}
	}

	// Nothing lost.
	joined := strings.ReplaceAll(strings.Join(chunks, "\n"), "\n", "")
	if joined != strings.ReplaceAll(text, "\n", "") {
		t.Fatalf("content lost during split")
	}
}

func TestSplitTextNoNewlines(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 250)
	chunks := splitText(text, 100)
	var total int
	for _, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk exceeds limit: %d", len([]rune(c)))
		}
		total += len(c)
	}
	if total != 250 {
		t.Fatalf("content lost: %d of 250", total)
	}
}
