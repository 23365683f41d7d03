// Package shellquote escapes strings for safe interpolation into POSIX
// shell command lines composed by the adapters.
package shellquote

import "strings"

// Quote wraps s in single quotes, escaping embedded single quotes so the
// result is always a single shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes each argument and joins them with spaces.
func Join(args ...string) string {
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		quoted = append(quoted, Quote(a))
	}
	return strings.Join(quoted, " ")
}
