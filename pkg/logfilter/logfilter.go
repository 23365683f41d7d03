// Package logfilter extracts timestamps from heterogeneous device log
// lines and filters them by time window. Parsing is best effort: a line
// whose timestamp cannot be recovered keeps a nil timestamp and is never
// dropped by the window bounds alone. Losing real log data is worse than
// keeping unfiltered noise.
package logfilter

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/thin-edge/device-test-core/internal/shellquote"
	"github.com/thin-edge/device-test-core/pkg/device"
)

// Prioritized layouts tried against the leading fields of a line.
// Transport-specific prefixes come first, generic forms last.
var layouts = []struct {
	layout string
	fields int // number of whitespace-separated fields the layout spans
}{
	{time.RFC3339Nano, 1}, // docker --timestamps prefix
	{time.RFC3339, 1},
	{"2006-01-02T15:04:05-0700", 1}, // journalctl -o short-iso
	{"2006-01-02 15:04:05", 2},
	{time.Stamp, 3}, // classic syslog, no year
}

// Parse attempts to extract a timestamp from the beginning of line.
// It returns nil when no known format matches and the generic free-text
// parse fails too.
func Parse(line string) *time.Time {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	for _, l := range layouts {
		if len(fields) < l.fields {
			continue
		}
		candidate := strings.Join(fields[:l.fields], " ")
		ts, err := time.Parse(l.layout, candidate)
		if err != nil {
			continue
		}
		if ts.Year() == 0 {
			// Yearless syslog format: assume the current year.
			now := time.Now()
			ts = ts.AddDate(now.Year(), 0, 0)
		}
		return &ts
	}

	// Last resort: generic parse of the first two fields.
	n := 2
	if len(fields) < n {
		n = len(fields)
	}
	if ts, err := dateparse.ParseAny(strings.Join(fields[:n], " ")); err == nil {
		return &ts
	}
	return nil
}

// Annotate turns raw lines into LogEntry values tagged with source,
// parsing a timestamp per line. Order is preserved.
func Annotate(lines []string, source string) []device.LogEntry {
	entries := make([]device.LogEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, device.LogEntry{
			Timestamp: Parse(line),
			RawLine:   line,
			Source:    source,
		})
	}
	return entries
}

// Window keeps the entries whose timestamp falls inside [since, until].
// Nil bounds are open ends. Entries without a timestamp are kept: they
// cannot be proven to be outside the window. Original relative order is
// preserved; entries are not re-sorted by timestamp.
func Window(entries []device.LogEntry, w device.LogWindow) []device.LogEntry {
	out := make([]device.LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Timestamp != nil {
			if w.Since != nil && e.Timestamp.Before(*w.Since) {
				continue
			}
			if w.Until != nil && e.Timestamp.After(*w.Until) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// JournalCommand builds the journalctl invocation used by the local and
// SSH adapters to fetch unit logs. An empty source fetches everything.
func JournalCommand(source string, since *time.Time) string {
	var b strings.Builder
	b.WriteString("journalctl --lines 100000 --no-pager -o short-iso")
	if source != "" {
		fmt.Fprintf(&b, " -u %s", shellquote.Quote(source))
	}
	if since != nil {
		// Unix timestamps sidestep remote timezone parsing.
		fmt.Fprintf(&b, " --since \"@%d\"", since.Unix())
	}
	return b.String()
}
