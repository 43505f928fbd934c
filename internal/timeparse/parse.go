// Package timeparse turns human scheduling phrases into absolute times.
//
// Supported forms: "now", "in 5 minutes" (minutes, hours, days), "tomorrow"
// with an optional clock time ("tomorrow 9am", "tomorrow 14:30"), and
// absolute timestamps ("2025-06-01 15:04", RFC 3339).
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseError means the phrase was not recognized.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized time expression: %q", e.Input)
}

var (
	relativePattern = regexp.MustCompile(`^in\s+(\d+)\s+(minute|minutes|hour|hours|day|days)$`)
	tomorrowPattern = regexp.MustCompile(`^tomorrow(?:\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?$`)
)

// absoluteLayouts are tried in order for absolute timestamps without an
// explicit zone; the caller's location applies.
var absoluteLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// DefaultTomorrowHour is the clock hour used for a bare "tomorrow".
const DefaultTomorrowHour = 9

// Parse resolves expr relative to now in loc. A nil loc means now's
// location.
func Parse(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = now.Location()
	}
	now = now.In(loc)

	s := strings.ToLower(strings.TrimSpace(expr))
	if s == "" {
		return time.Time{}, &ParseError{Input: expr}
	}

	if s == "now" {
		return now, nil
	}

	if m := relativePattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, &ParseError{Input: expr}
		}
		switch strings.TrimSuffix(m[2], "s") {
		case "minute":
			return now.Add(time.Duration(n) * time.Minute), nil
		case "hour":
			return now.Add(time.Duration(n) * time.Hour), nil
		case "day":
			return now.AddDate(0, 0, n), nil
		}
		return time.Time{}, &ParseError{Input: expr}
	}

	if m := tomorrowPattern.FindStringSubmatch(s); m != nil {
		return parseTomorrow(expr, m, now, loc)
	}

	// RFC 3339 carries its own zone.
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(expr)); err == nil {
		return t.In(loc), nil
	}

	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(expr), loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, &ParseError{Input: expr}
}

func parseTomorrow(expr string, m []string, now time.Time, loc *time.Location) (time.Time, error) {
	hour := DefaultTomorrowHour
	minute := 0

	if m[1] != "" {
		h, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, &ParseError{Input: expr}
		}
		hour = h
	}
	if m[2] != "" {
		mm, err := strconv.Atoi(m[2])
		if err != nil || mm > 59 {
			return time.Time{}, &ParseError{Input: expr}
		}
		minute = mm
	}

	switch m[3] {
	case "pm":
		if hour < 1 || hour > 12 {
			return time.Time{}, &ParseError{Input: expr}
		}
		if hour != 12 {
			hour += 12
		}
	case "am":
		if hour < 1 || hour > 12 {
			return time.Time{}, &ParseError{Input: expr}
		}
		if hour == 12 {
			hour = 0
		}
	default:
		if hour > 23 {
			return time.Time{}, &ParseError{Input: expr}
		}
	}

	next := now.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), hour, minute, 0, 0, loc), nil
}
