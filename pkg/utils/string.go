package utils

import (
	"strings"
	"unicode/utf8"
)

// Truncate shortens s to at most maxLen runes, marking the cut with "...".
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// CapRunes cuts s to at most maxLen runes without a marker. Non-positive
// maxLen leaves s unchanged.
func CapRunes(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}

// SplitMessage breaks content into chunks of at most limit runes,
// preferring newline then space boundaries in the back half of a chunk.
func SplitMessage(content string, limit int) []string {
	return splitMessage(content, limit, func(rune) int { return 1 })
}

// SplitMessageUTF16 is SplitMessage with limit counted in UTF-16 code units,
// the unit Telegram measures message length in.
func SplitMessageUTF16(content string, limit int) []string {
	return splitMessage(content, limit, utf16Len)
}

func utf16Len(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

func splitMessage(content string, limit int, width func(rune) int) []string {
	runes := []rune(content)
	total := 0
	for _, r := range runes {
		total += width(r)
	}
	if limit <= 0 || total <= limit {
		return []string{content}
	}

	var chunks []string
	for len(runes) > 0 {
		n, w := 0, 0
		for n < len(runes) && w+width(runes[n]) <= limit {
			w += width(runes[n])
			n++
		}
		if n == len(runes) {
			chunks = append(chunks, string(runes))
			break
		}
		if n == 0 {
			n = 1
		}

		cut := n
		if i := lastRune(runes[:n], '\n'); i > 0 && i >= n/2 {
			cut = i + 1
		} else if i := lastRune(runes[:n], ' '); i > 0 && i >= n/2 {
			cut = i + 1
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}
	return chunks
}

func lastRune(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
