// Package sanitize normalizes user-supplied text before it is
// persisted or relayed. Storage access is parameterized everywhere,
// so this is about content hygiene, not injection defense.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// CleanMessageContent strips control characters from chat content
// while preserving newlines and tabs, then trims surrounding
// whitespace.
func CleanMessageContent(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		result.WriteRune(r)
	}
	return strings.TrimSpace(result.String())
}

// ValidateStringLength reports whether input's rune count lies within
// [minLen, maxLen].
func ValidateStringLength(input string, minLen, maxLen int) bool {
	length := utf8.RuneCountInString(input)
	return length >= minLen && length <= maxLen
}
