package utils

import (
	"strings"
	"testing"
	"unicode/utf16"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{in: "hello", max: 10, want: "hello"},
		{in: "hello world", max: 8, want: "hello..."},
		{in: "привет мир", max: 5, want: "пр..."},
		{in: "abc", max: 0, want: ""},
		{in: "abcdef", max: 2, want: "ab"},
	}
	for _, tc := range cases {
		if got := Truncate(tc.in, tc.max); got != tc.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestCapRunes(t *testing.T) {
	if got := CapRunes("✌️✌️✌️", 2); got != "✌️" {
		t.Fatalf("CapRunes() = %q", got)
	}
	if got := CapRunes("short", 0); got != "short" {
		t.Fatalf("CapRunes(max=0) = %q", got)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := SplitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("SplitMessage(short) = %q", got)
	}

	long := strings.Repeat("word ", 30) + "\n" + strings.Repeat("x", 40)
	chunks := SplitMessage(long, 50)
	if len(chunks) < 2 {
		t.Fatalf("SplitMessage() produced %d chunks", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 50 {
			t.Fatalf("chunk has %d runes, limit 50: %q", n, c)
		}
		total += len(strings.ReplaceAll(strings.ReplaceAll(c, " ", ""), "\n", ""))
	}
	want := len(strings.ReplaceAll(strings.ReplaceAll(long, " ", ""), "\n", ""))
	if total != want {
		t.Fatalf("split lost content: got %d non-space bytes, want %d", total, want)
	}
}

func TestSplitMessageUTF16_CountsSurrogatePairs(t *testing.T) {
	// 3000 astral emoji: 3000 runes but 6000 UTF-16 units
	content := strings.Repeat("😀", 3000)
	if got := SplitMessage(content, 4096); len(got) != 1 {
		t.Fatalf("SplitMessage() = %d chunks, want 1 by rune count", len(got))
	}

	chunks := SplitMessageUTF16(content, 4096)
	if len(chunks) != 2 {
		t.Fatalf("SplitMessageUTF16() = %d chunks, want 2", len(chunks))
	}
	runes := 0
	for _, c := range chunks {
		if n := len(utf16.Encode([]rune(c))); n > 4096 {
			t.Fatalf("chunk has %d UTF-16 units, limit 4096", n)
		}
		runes += utf8.RuneCountInString(c)
	}
	if runes != 3000 {
		t.Fatalf("split lost content: %d runes, want 3000", runes)
	}
}
