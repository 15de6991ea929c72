// Package ledger holds the pure arithmetic behind the daily usage ledger:
// delta computation with reset handling, day bucketing in the reporting
// timezone and time-of-day classification.
package ledger

import (
	"fmt"
	"time"
)

// DayLayout is the calendar day key used by the ledger
const DayLayout = "2006-01-02"

// GiB is the number of bytes in one gigabyte as the panels count it
const GiB int64 = 1024 * 1024 * 1024

// ComputeDelta returns the usage consumed between two cumulative readings.
// A negative raw difference means the counter was reset between them, in
// which case the whole current value is the delta.
func ComputeDelta(prev, curr int64) (delta int64, reset bool) {
	raw := curr - prev
	if raw < 0 {
		if curr < 0 {
			return 0, true
		}
		return curr, true
	}
	return raw, false
}

// DayOf returns the ledger day containing t in loc
func DayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

// StartOfDay returns midnight of the day containing t in loc
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// AddDays shifts a ledger day key by n calendar days
func AddDays(day string, n int) (string, error) {
	t, err := time.Parse(DayLayout, day)
	if err != nil {
		return "", fmt.Errorf("invalid ledger day %q: %w", day, err)
	}
	return t.AddDate(0, 0, n).Format(DayLayout), nil
}

// LoadLocation resolves the reporting timezone, defaulting to UTC when empty
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown reporting timezone %q: %w", name, err)
	}
	return loc, nil
}

// TimeOfDay is a coarse bucket of the local hour
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
	Night     TimeOfDay = "night"
)

// TimeOfDayOf classifies t in loc: morning 06-12, afternoon 12-18,
// evening 18-22, night otherwise.
func TimeOfDayOf(t time.Time, loc *time.Location) TimeOfDay {
	hour := t.In(loc).Hour()
	switch {
	case hour >= 6 && hour < 12:
		return Morning
	case hour >= 12 && hour < 18:
		return Afternoon
	case hour >= 18 && hour < 22:
		return Evening
	default:
		return Night
	}
}
