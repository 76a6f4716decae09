package core

import (
	"regexp"
	"strings"
)

var digitsRegex = regexp.MustCompile(`^[0-9]+$`)

// CleanString trims all leading and trailing whitespace in `s` and optionally lowers it.
func CleanString(s string, lower ...bool) string {
	s = strings.TrimSpace(s)
	if len(lower) > 0 && lower[0] {
		return strings.ToLower(s)
	}
	return s
}

// IsDigits reports whether s is a non-empty run of ASCII digits of length n.
func IsDigits(s string, n int) bool {
	return len(s) == n && digitsRegex.MatchString(s)
}

// EqualFoldTrim compares two strings ignoring case and surrounding whitespace.
func EqualFoldTrim(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
