package hl7

import (
	"strings"
	"time"
)

// Timestamp layouts for the DTM type, longest first.
var timestampLayouts = []struct {
	length int
	layout string
}{
	{14, "20060102150405"},
	{12, "200601021504"},
	{10, "2006010215"},
	{8, "20060102"},
}

// ParseTimestamp parses an HL7 DTM value such as 20251016120000 or
// 20251016. Fractional seconds and a trailing UTC offset are accepted.
// Values without an offset are taken as UTC.
func ParseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}

	loc := time.UTC
	if i := strings.IndexAny(v, "+-"); i > 0 {
		if off, ok := parseOffset(v[i:]); ok {
			loc = off
		} else {
			return time.Time{}, false
		}
		v = v[:i]
	}
	if i := strings.IndexByte(v, '.'); i > 0 {
		v = v[:i]
	}

	for _, l := range timestampLayouts {
		if len(v) != l.length {
			continue
		}
		t, err := time.ParseInLocation(l.layout, v, loc)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

func parseOffset(s string) (*time.Location, bool) {
	t, err := time.Parse("-0700", s)
	if err != nil {
		return nil, false
	}
	_, secs := t.Zone()
	return time.FixedZone("", secs), true
}

// FormatTimestamp renders t as yyyyMMddHHmmss.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// ParseDate converts an 8-digit YYYYMMDD value (longer DTM values are
// truncated) to YYYY-MM-DD. ok is false if the value is not a calendar date.
func ParseDate(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return "", false
	}
	t, err := time.Parse("20060102", v[:8])
	if err != nil {
		return "", false
	}
	return t.Format("2006-01-02"), true
}
