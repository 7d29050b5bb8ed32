package recurrence

import (
	"testing"
	"time"
)

// A lab timetable holds a handful of weekly slots; availability queries
// expand each of them for a single day.
func BenchmarkEngineTimetableDay(b *testing.B) {
	engine := NewEngine(time.UTC)
	validFrom := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	semesterEnd := time.Date(2024, time.May, 31, 0, 0, 0, 0, time.UTC)

	slots := make([]Rule, 0, 5)
	for i, day := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
		slots = append(slots, Rule{
			ID:        "tt-" + day.String(),
			SourceID:  "lab-a",
			Frequency: FrequencyWeekly,
			Weekdays:  []time.Weekday{day},
			StartsOn:  validFrom.AddDate(0, 0, i),
			EndsOn:    &semesterEnd,
		})
	}
	dayStart := time.Date(2024, time.March, 13, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1).Add(-time.Nanosecond)
	baseStart := validFrom.Add(10 * time.Hour)
	baseEnd := baseStart.Add(2 * time.Hour)

	b.ReportAllocs()
	for b.Loop() {
		found := 0
		for _, rule := range slots {
			occurrences, err := engine.GenerateOccurrences(rule, baseStart, baseEnd, GenerateOptions{
				RangeStart: &dayStart,
				RangeEnd:   &dayEnd,
			})
			if err != nil {
				b.Fatalf("unexpected error: %v", err)
			}
			found += len(occurrences)
		}
		if found != 1 {
			b.Fatalf("expected exactly the wednesday slot, got %d", found)
		}
	}
}
