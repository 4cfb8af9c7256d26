package executor

import "strings"

// Normalize canonicalizes program output before comparison: CRLF and
// lone CR become LF, trailing whitespace is stripped from every line and
// leading and trailing blank lines are dropped.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\f\v")
	}

	start, end := 0, len(lines)
	for start < end && lines[start] == "" {
		start++
	}
	for end > start && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// OutputMatches compares two outputs after normalization.
func OutputMatches(got, want string) bool {
	return Normalize(got) == Normalize(want)
}
