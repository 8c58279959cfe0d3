package strings

import (
	"strings"
)

// DefaultDescriptionMaxLen is the default width of free-text columns in tables.
const DefaultDescriptionMaxLen = 60

// MinTruncateLen is the smallest maxLen Truncate honours: one character plus "...".
const MinTruncateLen = 4

// Truncate collapses all whitespace in s to single spaces and cuts the result
// to maxLen runes, ending it with "..." when something was cut. maxLen is
// clamped to MinTruncateLen.
func Truncate(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}

// Mask hides all but the first four characters of a credential so it can be
// shown or logged for correlation. Values of eight characters or fewer are
// hidden entirely.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	runes := []rune(secret)
	if len(runes) <= 8 {
		return "****"
	}
	return string(runes[:4]) + "****"
}
