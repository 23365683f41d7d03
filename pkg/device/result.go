package device

import (
	"strings"
	"time"
)

// CommandResult captures the outcome of one executed command in a
// transport-independent form. ExitCode is nil when the command timed out
// or was forcibly terminated before reporting a status.
type CommandResult struct {
	ExitCode  *int
	Stdout    []string
	Stderr    []string
	StartedAt time.Time
	EndedAt   time.Time
	TimedOut  bool
}

// Success reports whether the command completed with exit code zero.
func (r *CommandResult) Success() bool {
	return !r.TimedOut && r.ExitCode != nil && *r.ExitCode == 0
}

// Duration is the wall-clock time between start and end of the command.
func (r *CommandResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Output joins stdout lines back into a single string.
func (r *CommandResult) Output() string {
	return strings.Join(r.Stdout, "\n")
}

// ExitCodeOr returns the exit code, or fallback when it is absent.
func (r *CommandResult) ExitCodeOr(fallback int) int {
	if r.ExitCode == nil {
		return fallback
	}
	return *r.ExitCode
}

// IntPtr is a small helper for building results with a present exit code.
func IntPtr(v int) *int { return &v }

// LogEntry is one retrieved log line. Timestamp is nil when no timestamp
// could be extracted from the line; such entries are still delivered in
// their original relative order.
type LogEntry struct {
	Timestamp *time.Time
	RawLine   string
	Source    string
}
