package application_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/testfixtures"
)

const (
	tenAM    = 10 * 60
	elevenAM = 11 * 60
)

// book creates a ten o'clock booking on the day after the reference date.
func book(t *testing.T, env *testfixtures.Env, requester string, labs ...string) persistence.Booking {
	t.Helper()
	b, err := env.Bookings.CreateReservation(context.Background(), application.CreateReservationParams{
		Principal:   env.Principal(t, requester),
		LabIDs:      labs,
		Date:        testfixtures.ReferenceDate(1),
		StartMinute: tenAM,
		EndMinute:   elevenAM,
		Purpose:     "project demo",
	})
	require.NoError(t, err)
	return b
}

func approveBooking(t *testing.T, env *testfixtures.Env, actor, bookingID string) approval.Stage {
	t.Helper()
	stage, err := env.Bookings.Decide(context.Background(), application.DecideParams{
		Principal: env.Principal(t, actor),
		RequestID: bookingID,
		Action:    approval.ActionApprove,
	})
	require.NoError(t, err)
	return stage
}

func loadBooking(t *testing.T, env *testfixtures.Env, id string) persistence.Booking {
	t.Helper()
	b, err := env.Store.GetBooking(context.Background(), id)
	require.NoError(t, err)
	return b
}

func requestComponents(t *testing.T, env *testfixtures.Env, requester string, items ...persistence.RequestItem) persistence.ComponentRequest {
	t.Helper()
	r, err := env.Components.CreateComponentRequest(context.Background(), application.CreateComponentRequestParams{
		Principal:  env.Principal(t, requester),
		Items:      items,
		Purpose:    "capstone prototype",
		ReturnDate: testfixtures.ReferenceDate(2),
	})
	require.NoError(t, err)
	return r
}

func approveComponents(t *testing.T, env *testfixtures.Env, actor, requestID string) approval.Stage {
	t.Helper()
	stage, err := env.Components.Decide(context.Background(), application.DecideParams{
		Principal: env.Principal(t, actor),
		RequestID: requestID,
		Action:    approval.ActionApprove,
	})
	require.NoError(t, err)
	return stage
}

// approvedRequest walks a faculty request for lab A components to approved.
func approvedRequest(t *testing.T, env *testfixtures.Env, items ...persistence.RequestItem) persistence.ComponentRequest {
	t.Helper()
	r := requestComponents(t, env, testfixtures.FacultyOther, items...)
	require.Equal(t, approval.StagePendingResourceOwner, r.Status)
	approveComponents(t, env, testfixtures.OwnerA, r.ID)
	require.Equal(t, approval.StageApproved, approveComponents(t, env, testfixtures.HODCSE, r.ID))
	return r
}

func issue(t *testing.T, env *testfixtures.Env, requestID string) persistence.Loan {
	t.Helper()
	l, err := env.Components.Issue(context.Background(), application.IssueParams{
		Principal: env.Principal(t, testfixtures.OwnerA),
		RequestID: requestID,
	})
	require.NoError(t, err)
	return l
}

func available(t *testing.T, env *testfixtures.Env, componentID string) int {
	t.Helper()
	c, err := env.Store.GetComponent(context.Background(), componentID)
	require.NoError(t, err)
	return c.QuantityAvailable
}

func actions(entries []activity.Entry) []activity.Action {
	out := make([]activity.Action, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

// countingMetrics records workflow counters for assertions.
type countingMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	refused     map[string]int
	failed      map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{transitions: map[string]int{}, refused: map[string]int{}, failed: map[string]int{}}
}

func (m *countingMetrics) TransitionRecorded(entity activity.EntityType, action activity.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[string(entity)+"/"+string(action)]++
}

func (m *countingMetrics) Refused(entity activity.EntityType, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refused[string(entity)+"/"+kind]++
}

func (m *countingMetrics) NotificationFailed(template string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[template]++
}

func (m *countingMetrics) count(set map[string]int, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return set[key]
}
