package telemetry

import (
	"strings"
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
)

// LocalLayout is the log and display form of a timestamp, e.g.
// "06 April 2025 12:30:40".
const LocalLayout = "02 January 2006 15:04:05"

// Receivers report UTC ISO-8601 with or without fractional seconds.
var receiverLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339Nano,
}

// ParseReceiverTime parses a receiver timestamp and converts it to loc,
// truncated to whole seconds.
func ParseReceiverTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range receiverLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.In(loc).Truncate(time.Second), nil
		}
	}

	return time.Time{}, errors.New().WithData(errors.ErrMalformedTimestamp, raw)
}

// FormatLocal renders a receiver timestamp in the host's local zone, or the
// placeholder when raw does not parse.
func FormatLocal(raw string) string {
	t, err := ParseReceiverTime(raw, time.Local)
	if err != nil {
		return Placeholder
	}
	return t.Format(LocalLayout)
}

// FormatTimestamp renders t in LocalLayout within t's own location.
func FormatTimestamp(t *time.Time) string {
	if t == nil {
		return Placeholder
	}
	return t.Format(LocalLayout)
}
