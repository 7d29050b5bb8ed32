package loan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

func TestReturnFlow(t *testing.T) {
	t.Parallel()

	s := New(day0.AddDate(0, 0, 2))
	require.Equal(t, StatusIssued, s.Status)
	require.Equal(t, ExtensionNone, s.Extension)

	_, err := ApproveReturn(s, day0)
	require.ErrorIs(t, err, ErrInvalidTransition)

	s, err = RequestReturn(s)
	require.NoError(t, err)
	_, err = RequestReturn(s)
	require.ErrorIs(t, err, ErrInvalidTransition)

	s, err = ApproveReturn(s, day0.AddDate(0, 0, 1).Add(15*time.Hour))
	require.NoError(t, err)
	require.Equal(t, StatusReturned, s.Status)
	require.Zero(t, s.DelayDays)
}

func TestExtensionRejectedThenLateReturn(t *testing.T) {
	t.Parallel()

	due := day0.AddDate(0, 0, 2)
	s := New(due)

	s, err := RequestExtension(s, day0.AddDate(0, 0, 5))
	require.NoError(t, err)
	require.Equal(t, ExtensionPending, s.Extension)

	// A pending extension does not block the return axis.
	s, err = RequestReturn(s)
	require.NoError(t, err)

	s, err = DecideExtension(s, false)
	require.NoError(t, err)
	require.Equal(t, ExtensionRejected, s.Extension)
	require.True(t, s.DueDate.Equal(due))

	s, err = ApproveReturn(s, day0.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Equal(t, 1, s.DelayDays)
}

func TestExtensionApprovedMovesDueDate(t *testing.T) {
	t.Parallel()

	s := New(day0)
	s, err := RequestExtension(s, day0.AddDate(0, 0, 4))
	require.NoError(t, err)

	_, err = RequestExtension(s, day0.AddDate(0, 0, 6))
	require.ErrorIs(t, err, ErrInvalidTransition)

	s, err = DecideExtension(s, true)
	require.NoError(t, err)
	require.Equal(t, ExtensionApproved, s.Extension)
	require.True(t, s.DueDate.Equal(day0.AddDate(0, 0, 4)))

	_, err = DecideExtension(s, true)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExtensionMustMoveForward(t *testing.T) {
	t.Parallel()

	s := New(day0.AddDate(0, 0, 3))
	_, err := RequestExtension(s, day0.AddDate(0, 0, 3))
	require.ErrorIs(t, err, ErrDueDateNotLater)

	s.Status = StatusReturnRequested
	_, err = RequestExtension(s, day0.AddDate(0, 0, 9))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDelayDaysNeverNegative(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, DelayDays(day0, day0.AddDate(0, 0, -3)))
	require.Equal(t, 0, DelayDays(day0, day0.Add(23*time.Hour)))
	require.Equal(t, 4, DelayDays(day0, day0.AddDate(0, 0, 4)))
}
