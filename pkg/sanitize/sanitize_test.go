package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanMessageContent(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain text", "hello", "hello"},
		{"trims whitespace", "  hello  ", "hello"},
		{"keeps newlines and tabs", "a\nb\tc", "a\nb\tc"},
		{"drops control characters", "a\x00b\x07c\x1bd", "abcd"},
		{"whitespace only becomes empty", " \t\n ", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, CleanMessageContent(tc.input))
		})
	}
}

func TestValidateStringLength(t *testing.T) {
	assert.True(t, ValidateStringLength("abc", 1, 3))
	assert.False(t, ValidateStringLength("", 1, 3))
	assert.False(t, ValidateStringLength("abcd", 1, 3))

	// Multi-byte runes count once.
	assert.True(t, ValidateStringLength(strings.Repeat("é", 3), 1, 3))
}
