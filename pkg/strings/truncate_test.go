package strings

import (
	"testing"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{
			name:     "short string unchanged",
			input:    "list files",
			maxLen:   20,
			expected: "list files",
		},
		{
			name:     "exact length unchanged",
			input:    "hello",
			maxLen:   5,
			expected: "hello",
		},
		{
			name:     "long string truncated",
			input:    "Returns a greeting for the authenticated caller",
			maxLen:   20,
			expected: "Returns a greetin...",
		},
		{
			name:     "newlines and tabs collapsed",
			input:    "Reads a file.\n\n\tPaths are relative\r\nto the root.",
			maxLen:   80,
			expected: "Reads a file. Paths are relative to the root.",
		},
		{
			name:     "unicode truncated on rune boundaries",
			input:    "日本語のツールの説明",
			maxLen:   6,
			expected: "日本語...",
		},
		{
			name:     "whitespace only becomes empty",
			input:    " \n\t ",
			maxLen:   10,
			expected: "",
		},
		{
			name:     "small maxLen clamped",
			input:    "hello",
			maxLen:   0,
			expected: "h...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.input, tt.maxLen)
			if got != tt.expected {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestTruncateNeverExceedsMaxLen(t *testing.T) {
	input := "The quick brown fox jumps over the lazy dog and keeps running far away"
	for maxLen := MinTruncateLen; maxLen <= len(input)+5; maxLen++ {
		if got := len([]rune(Truncate(input, maxLen))); got > maxLen {
			t.Errorf("Truncate(_, %d) returned %d runes", maxLen, got)
		}
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"short value fully hidden", "abc123", "****"},
		{"eight characters fully hidden", "abcdefgh", "****"},
		{"long value keeps prefix", "generated-123", "gene****"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Mask(tt.input); got != tt.expected {
				t.Errorf("Mask(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
