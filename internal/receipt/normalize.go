package receipt

import (
	"strings"
	"unicode"
)

const fence = "```"

// Normalize strips a fenced code block wrapper (an opening fence with an
// optional language tag and a closing fence) and surrounding whitespace from
// an AI completion. Each pass removes one layer of fences and passes repeat
// until nothing changes, so nested fences collapse entirely and the result is
// a fixed point: Normalize(Normalize(x)) == Normalize(x). It does not check
// that what remains is valid JSON.
func Normalize(raw string) string {
	text := strings.TrimSpace(raw)
	for {
		next := stripFenceLayer(text)
		if next == text {
			return text
		}
		text = next
	}
}

// stripFenceLayer removes at most one opening and one closing fence
func stripFenceLayer(text string) string {
	if strings.HasPrefix(text, fence) {
		rest := text[len(fence):]
		tag := languageTag(rest)
		after := rest[len(tag):]
		switch {
		case after == "":
			rest = after
		case after[0] == '\n' || after[0] == '\r':
			rest = after
		case tag != "" && (after[0] == '{' || after[0] == '[' || after[0] == ' ' || after[0] == '\t'):
			rest = after
		}
		text = strings.TrimSpace(rest)
	}
	text = strings.TrimSuffix(text, fence)
	return strings.TrimSpace(text)
}

// languageTag returns the leading info-string word after a fence, such as
// "json" in "```json". Tags start with a letter.
func languageTag(s string) string {
	for i, r := range s {
		if i == 0 && !unicode.IsLetter(r) {
			return ""
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '+' && r != '.' {
			return s[:i]
		}
	}
	return s
}
