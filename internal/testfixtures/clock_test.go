package testfixtures

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockDefaultsToReferenceTime(t *testing.T) {
	t.Parallel()

	clock := NewClock(time.Time{})
	require.True(t, clock.Now().Equal(ReferenceTime()))
	require.Equal(t, time.Tuesday, clock.Now().Weekday())
}

func TestClockAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, time.March, 14, 9, 26, 0, 0, time.UTC)
	clock := NewClock(start)

	require.True(t, clock.Advance(90*time.Minute).Equal(start.Add(90*time.Minute)))

	clock.Set(start.Add(2 * time.Hour))
	require.True(t, clock.Now().Equal(start.Add(2*time.Hour)))
}

func TestClockAdvanceDaysKeepsTimeOfDay(t *testing.T) {
	t.Parallel()

	clock := NewClock(time.Date(2024, time.January, 30, 15, 4, 0, 0, time.UTC))
	got := clock.AdvanceDays(3)

	require.Equal(t, time.Date(2024, time.February, 2, 15, 4, 0, 0, time.UTC), got)
	require.Equal(t, time.Date(2024, time.February, 2, 0, 0, 0, 0, time.UTC), clock.Today())
}

func TestClockNowFuncTracksUpdates(t *testing.T) {
	t.Parallel()

	clock := NewClock(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	nowFn := clock.NowFunc()

	clock.Advance(time.Minute)
	require.True(t, nowFn().Equal(clock.Now()))

	var nilClock *Clock
	require.NotNil(t, nilClock.NowFunc())
}
