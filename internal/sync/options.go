package sync

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sinceLayouts are tried in order. Layouts without an offset are read as UTC.
var sinceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseSince parses a since bound given as RFC 3339, an ISO-8601 date-time
// without offset, "YYYY-MM-DD HH:MM:SS" or a bare date.
func ParseSince(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range sinceLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q: use ISO 8601, e.g. 2024-01-31T00:00:00Z", s)
}

// ParseLimit parses a positive per-account message limit.
func ParseLimit(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q: must be a positive integer", s)
	}
	return n, nil
}
