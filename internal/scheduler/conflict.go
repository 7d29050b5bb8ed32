// Package scheduler answers whether a lab slot is free: it compares a
// candidate interval against live bookings and the fixed weekly timetable.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/labreserve/internal/recurrence"
)

// MinutesPerDay bounds interval offsets.
const MinutesPerDay = 24 * 60

var (
	// ErrInvalidInterval is returned for empty, inverted or out-of-day intervals.
	ErrInvalidInterval = errors.New("scheduler: interval must satisfy 0 <= start < end <= 1440")
	// ErrMissingDate is returned when an interval has no date.
	ErrMissingDate = errors.New("scheduler: interval date is required")
)

// Interval is a half-open [Start, End) span of minutes on one civil date.
type Interval struct {
	Date  time.Time
	Start int
	End   int
}

// Validate checks the interval bounds.
func (i Interval) Validate() error {
	if i.Date.IsZero() {
		return ErrMissingDate
	}
	if i.Start < 0 || i.End > MinutesPerDay || i.Start >= i.End {
		return fmt.Errorf("%w: got [%d,%d)", ErrInvalidInterval, i.Start, i.End)
	}
	return nil
}

// Overlaps reports whether two intervals on the same date intersect.
// Touching intervals such as 10:00-11:00 and 11:00-12:00 do not.
func (i Interval) Overlaps(o Interval) bool {
	if !SameDate(i.Date, o.Date) {
		return false
	}
	return i.Start < o.End && o.Start < i.End
}

// String renders the interval as "2006-01-02 10:00-11:00".
func (i Interval) String() string {
	return fmt.Sprintf("%s %s-%s", FormatDate(i.Date), FormatClock(i.Start), FormatClock(i.End))
}

// Reservation is a live booking holding a lab interval.
type Reservation struct {
	BookingID  string
	ResourceID string
	Interval   Interval
}

// TimetableEntry is a fixed weekly slot, such as a scheduled class, that
// blocks a lab regardless of bookings.
type TimetableEntry struct {
	ID         string
	ResourceID string
	Label      string
	Weekday    time.Weekday
	Start      int
	End        int
	ValidFrom  time.Time
	ValidUntil *time.Time
}

// ConflictType describes the source a candidate collided with.
type ConflictType string

const (
	// ConflictTypeReservation indicates a live booking already holds the slot.
	ConflictTypeReservation ConflictType = "reservation"
	// ConflictTypeTimetable indicates a fixed timetable entry occupies the slot.
	ConflictTypeTimetable ConflictType = "timetable"
)

// Conflict details one collision. WithID names the blocking booking or
// timetable entry and must not be shown to other requesters.
type Conflict struct {
	ResourceID string
	Type       ConflictType
	WithID     string
	Start      int
	End        int
}

// Busy is an occupied span of a lab for availability views.
type Busy struct {
	Type  ConflictType
	Label string
	Start int
	End   int
}

// Detector evaluates candidate intervals against both schedule sources.
type Detector struct {
	engine *recurrence.Engine
}

// NewDetector builds a detector that expands timetable rules with engine.
// A nil engine evaluates dates in UTC.
func NewDetector(engine *recurrence.Engine) *Detector {
	if engine == nil {
		engine = recurrence.NewEngine(nil)
	}
	return &Detector{engine: engine}
}

// DetectConflicts returns every booking and timetable collision of candidate
// on resourceID. Reservations for other labs or dates are ignored, as is the
// booking named by excludeBookingID.
func (d *Detector) DetectConflicts(resourceID string, candidate Interval, reservations []Reservation, timetable []TimetableEntry, excludeBookingID string) ([]Conflict, error) {
	if err := candidate.Validate(); err != nil {
		return nil, err
	}

	var conflicts []Conflict
	for _, r := range reservations {
		if r.ResourceID != resourceID || r.BookingID == excludeBookingID {
			continue
		}
		if candidate.Overlaps(r.Interval) {
			conflicts = append(conflicts, Conflict{
				ResourceID: resourceID,
				Type:       ConflictTypeReservation,
				WithID:     r.BookingID,
				Start:      r.Interval.Start,
				End:        r.Interval.End,
			})
		}
	}

	blocked, err := d.timetableOn(resourceID, candidate.Date, timetable)
	if err != nil {
		return nil, err
	}
	for _, b := range blocked {
		if candidate.Overlaps(b.interval) {
			conflicts = append(conflicts, Conflict{
				ResourceID: resourceID,
				Type:       ConflictTypeTimetable,
				WithID:     b.entry.ID,
				Start:      b.interval.Start,
				End:        b.interval.End,
			})
		}
	}
	return conflicts, nil
}

// HasConflict reports whether candidate collides with anything on resourceID.
func (d *Detector) HasConflict(resourceID string, candidate Interval, reservations []Reservation, timetable []TimetableEntry) (bool, error) {
	conflicts, err := d.DetectConflicts(resourceID, candidate, reservations, timetable, "")
	if err != nil {
		return false, err
	}
	return len(conflicts) > 0, nil
}

// BusyIntervals lists the occupied spans of resourceID on date, sorted by
// start. Booking holders are not exposed.
func (d *Detector) BusyIntervals(resourceID string, date time.Time, reservations []Reservation, timetable []TimetableEntry) ([]Busy, error) {
	var busy []Busy
	for _, r := range reservations {
		if r.ResourceID == resourceID && SameDate(r.Interval.Date, date) {
			busy = append(busy, Busy{Type: ConflictTypeReservation, Start: r.Interval.Start, End: r.Interval.End})
		}
	}
	blocked, err := d.timetableOn(resourceID, date, timetable)
	if err != nil {
		return nil, err
	}
	for _, b := range blocked {
		busy = append(busy, Busy{Type: ConflictTypeTimetable, Label: b.entry.Label, Start: b.interval.Start, End: b.interval.End})
	}
	sort.SliceStable(busy, func(i, j int) bool {
		if busy[i].Start != busy[j].Start {
			return busy[i].Start < busy[j].Start
		}
		return busy[i].End < busy[j].End
	})
	return busy, nil
}

type blockedSlot struct {
	entry    TimetableEntry
	interval Interval
}

// timetableOn expands the weekly entries of resourceID that are active on date.
func (d *Detector) timetableOn(resourceID string, date time.Time, timetable []TimetableEntry) ([]blockedSlot, error) {
	loc := d.engine.Location()
	y, m, day := date.Date()
	dayStart := time.Date(y, m, day, 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1).Add(-time.Nanosecond)

	var out []blockedSlot
	for _, entry := range timetable {
		if entry.ResourceID != resourceID || entry.Weekday != dayStart.Weekday() {
			continue
		}
		if entry.Start < 0 || entry.End > MinutesPerDay || entry.Start >= entry.End {
			return nil, fmt.Errorf("scheduler: timetable entry %s: %w", entry.ID, ErrInvalidInterval)
		}
		rule := recurrence.Rule{
			ID:        entry.ID,
			SourceID:  entry.ResourceID,
			Frequency: recurrence.FrequencyWeekly,
			Weekdays:  []time.Weekday{entry.Weekday},
			StartsOn:  civilIn(entry.ValidFrom, loc),
		}
		if entry.ValidUntil != nil {
			until := civilIn(*entry.ValidUntil, loc)
			rule.EndsOn = &until
		}
		baseStart := dayStart.Add(time.Duration(entry.Start) * time.Minute)
		baseEnd := dayStart.Add(time.Duration(entry.End) * time.Minute)
		occurrences, err := d.engine.GenerateOccurrences(rule, baseStart, baseEnd, recurrence.GenerateOptions{
			RangeStart: &dayStart,
			RangeEnd:   &dayEnd,
		})
		if err != nil {
			return nil, fmt.Errorf("scheduler: expand timetable entry %s: %w", entry.ID, err)
		}
		for range occurrences {
			out = append(out, blockedSlot{
				entry:    entry,
				interval: Interval{Date: date, Start: entry.Start, End: entry.End},
			})
		}
	}
	return out, nil
}

// civilIn reinterprets the calendar date of t (stored as UTC midnight) in loc.
func civilIn(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
