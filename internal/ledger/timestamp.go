package ledger

import (
	"fmt"
	"strings"
	"time"
)

// naiveLayouts cover legacy rows written without a UTC offset. Naive
// stamps are interpreted as UTC, matching how earlier releases read
// them back.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 timestamp as written by this or any
// earlier release of the monitor.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// FormatTimestamp renders ts in the single canonical form the ledger,
// spool, and state files all share.
func FormatTimestamp(ts time.Time) string {
	return ts.Format(time.RFC3339Nano)
}
