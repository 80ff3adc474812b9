// Package daybucket implements the day-boundary aggregation engine with
// cross-run continuation.
//
// The engine streams converted tables in bounded chunks, groups rows by
// calendar day, and finalizes one output table per day. A day whose rows
// do not reach the final second of its date is persisted in the
// continuation store and completed by a later run.
package daybucket

import (
	"fmt"
	"time"
)

// DayKey is a calendar date used as the grouping key for row aggregation.
type DayKey struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf derives the DayKey of a timestamp by truncating its time of day.
func DayOf(t time.Time) DayKey {
	y, m, d := t.Date()
	return DayKey{Year: y, Month: m, Day: d}
}

// ParseDayKey parses a literal ISO date such as "2024-03-02".
func ParseDayKey(s string) (DayKey, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return DayKey{}, fmt.Errorf("parse day key %q: %w", s, err)
	}
	return DayOf(t), nil
}

// String renders the literal ISO date. This is also the stable output file
// stem for the day, so continuation merging across runs can always locate
// the prior output.
func (k DayKey) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", k.Year, k.Month, k.Day)
}

// Before reports whether k orders before o in natural date order.
func (k DayKey) Before(o DayKey) bool {
	if k.Year != o.Year {
		return k.Year < o.Year
	}
	if k.Month != o.Month {
		return k.Month < o.Month
	}
	return k.Day < o.Day
}

// Contains reports whether t falls on this calendar day.
func (k DayKey) Contains(t time.Time) bool {
	return DayOf(t) == k
}

// IsFinalSecond reports whether t lands in the last second of this day
// (hour 23, minute 59, second 59). A day bucket whose maximum time value
// satisfies this is complete.
func (k DayKey) IsFinalSecond(t time.Time) bool {
	if DayOf(t) != k {
		return false
	}
	return t.Hour() == 23 && t.Minute() == 59 && t.Second() == 59
}
