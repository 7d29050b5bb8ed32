package scheduler

import (
	"fmt"
	"time"
)

// DateLayout is the storage and wire format of civil dates.
const DateLayout = "2006-01-02"

// DateOf returns the civil date of t as observed in loc, as UTC midnight.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NormalizeDate drops the clock and zone of a date value.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDate compares the calendar components of two dates.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DaysBetween returns the number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(NormalizeDate(b).Sub(NormalizeDate(a)).Hours() / 24)
}

// ParseDate parses a YYYY-MM-DD civil date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a civil date.
func FormatDate(t time.Time) string {
	return NormalizeDate(t).Format(DateLayout)
}

// ParseClock parses "HH:MM" into minutes since midnight. "24:00" is accepted
// as the end of the day.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || len(s) != 5 {
		return 0, fmt.Errorf("scheduler: parse clock %q: want HH:MM", s)
	}
	if m < 0 || m > 59 || h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("scheduler: clock %q out of range", s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
