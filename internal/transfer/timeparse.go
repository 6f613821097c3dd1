package transfer

import (
	"strconv"
	"strings"
	"time"
)

// epochMillisThreshold disambiguates epoch seconds from epoch milliseconds:
// any numeric value above this magnitude is treated as milliseconds
// (spec.md §4.5 step 1; grounded on
// original_source/fitness_toolkit/services/transfer_worker.py::_build_metadata_context).
const epochMillisThreshold = 10_000_000_000

// canonicalTimeLayouts are the string forms the source/sink platforms are
// observed to emit, tried in order after numeric parsing fails.
var canonicalTimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseActivityTime parses the opaque wire-format activity start time used
// by DuplicateProbe (C5) and template context building. It accepts epoch
// seconds, epoch milliseconds, or one of the canonical string forms, and
// always returns UTC. An unparseable value returns the zero time and false.
func ParseActivityTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > epochMillisThreshold {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if f > epochMillisThreshold {
			return time.UnixMilli(int64(f)).UTC(), true
		}
		return time.Unix(int64(f), 0).UTC(), true
	}

	for _, layout := range canonicalTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
