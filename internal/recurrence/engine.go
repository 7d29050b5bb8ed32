// Package recurrence expands repeating timetable rules into concrete
// occurrences on the calendar.
package recurrence

import (
	"errors"
	"time"
)

// Frequency selects how a rule repeats.
type Frequency int

const (
	FrequencyUnspecified Frequency = iota
	// FrequencyDaily fires every day, or on Weekdays when any are listed.
	FrequencyDaily
	// FrequencyWeekly fires on the listed Weekdays only.
	FrequencyWeekly
)

// Rule describes when a fixed timetable entry repeats.
type Rule struct {
	ID        string
	SourceID  string
	Frequency Frequency
	Weekdays  []time.Weekday
	// StartsOn is the first civil date the rule is active.
	StartsOn time.Time
	// EndsOn is the last civil date the rule is active, inclusive. Nil means
	// open ended.
	EndsOn *time.Time
}

// GenerateOptions bounds occurrence generation.
type GenerateOptions struct {
	RangeStart *time.Time
	RangeEnd   *time.Time
}

// Occurrence is one generated instance of a rule.
type Occurrence struct {
	SourceID string
	RuleID   string
	Start    time.Time
	End      time.Time
}

var (
	ErrInvalidFrequency = errors.New("recurrence: invalid frequency")
	ErrInvalidWindow    = errors.New("recurrence: generation window requires an end bound")
	ErrInvalidDuration  = errors.New("recurrence: duration must be positive")
)

// Engine expands recurrence rules into occurrences in a fixed zone.
type Engine struct {
	location *time.Location
}

// NewEngine returns an Engine evaluating civil dates in loc, UTC when nil.
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{location: loc}
}

// Location returns the zone civil dates are evaluated in.
func (e *Engine) Location() *time.Location {
	if e == nil || e.location == nil {
		return time.UTC
	}
	return e.location
}

// GenerateOccurrences returns, in order, the occurrences of rule whose start
// lies inside the window formed by the rule's dates and opts. Each occurrence
// keeps the wall clock of baseStart and lasts baseEnd-baseStart, so a slot
// stays at 10:00 across DST changes.
func (e *Engine) GenerateOccurrences(rule Rule, baseStart, baseEnd time.Time, opts GenerateOptions) ([]Occurrence, error) {
	loc := e.Location()
	if !baseEnd.After(baseStart) {
		return nil, ErrInvalidDuration
	}
	length := baseEnd.Sub(baseStart)

	fires, err := matcher(rule.Frequency, rule.Weekdays)
	if err != nil {
		return nil, err
	}

	from, until, err := window(rule, opts, loc)
	if err != nil {
		return nil, err
	}
	if from.After(until) {
		return nil, nil
	}

	clock := baseStart.In(loc)
	at := func(day time.Time) time.Time {
		y, m, d := day.Date()
		return time.Date(y, m, d, clock.Hour(), clock.Minute(), clock.Second(), clock.Nanosecond(), loc)
	}

	var out []Occurrence
	for day := midnight(from, loc); ; day = day.AddDate(0, 0, 1) {
		start := at(day)
		if start.After(until) {
			break
		}
		if start.Before(from) || !fires(day.Weekday()) {
			continue
		}
		out = append(out, Occurrence{
			SourceID: rule.SourceID,
			RuleID:   rule.ID,
			Start:    start,
			End:      start.Add(length),
		})
	}
	return out, nil
}

// window returns the inclusive bounds on occurrence start times.
func window(rule Rule, opts GenerateOptions, loc *time.Location) (time.Time, time.Time, error) {
	from := midnight(rule.StartsOn, loc)
	if opts.RangeStart != nil {
		if rs := opts.RangeStart.In(loc); rs.After(from) {
			from = rs
		}
	}

	var until time.Time
	if rule.EndsOn != nil {
		until = midnight(*rule.EndsOn, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	if opts.RangeEnd != nil {
		if re := opts.RangeEnd.In(loc); until.IsZero() || re.Before(until) {
			until = re
		}
	}
	if until.IsZero() {
		return time.Time{}, time.Time{}, ErrInvalidWindow
	}
	return from, until, nil
}

func matcher(freq Frequency, weekdays []time.Weekday) (func(time.Weekday) bool, error) {
	var mask [7]bool
	for _, wd := range weekdays {
		mask[wd] = true
	}
	switch freq {
	case FrequencyDaily:
		if len(weekdays) == 0 {
			return func(time.Weekday) bool { return true }, nil
		}
	case FrequencyWeekly:
	default:
		return nil, ErrInvalidFrequency
	}
	return func(wd time.Weekday) bool { return mask[wd] }, nil
}

func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
