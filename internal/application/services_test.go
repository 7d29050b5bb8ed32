package application_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/testfixtures"
)

func TestServicesInbox(t *testing.T) {
	env := testfixtures.NewEnv(t)
	ctx := context.Background()
	svc := application.NewServices(env.Deps, lowArgon2Params)

	b := book(t, env, testfixtures.StudentMentored, testfixtures.LabA)
	approveBooking(t, env, testfixtures.Mentor, b.ID)
	r := requestComponents(t, env, testfixtures.FacultyOther, item(testfixtures.ComponentSensor, 1))

	issued := approvedRequest(t, env, item(testfixtures.ComponentArduino, 1))
	l := issue(t, env, issued.ID)
	_, err := env.Loans.RequestReturn(ctx, application.LoanActionParams{
		Principal: env.Principal(t, testfixtures.FacultyOther),
		LoanID:    l.ID,
	})
	require.NoError(t, err)

	inbox, err := svc.Inbox(ctx, env.Principal(t, testfixtures.OwnerA))
	require.NoError(t, err)
	require.Len(t, inbox.Bookings, 1)
	require.Equal(t, b.ID, inbox.Bookings[0].ID)
	require.Len(t, inbox.ComponentRequests, 1)
	require.Equal(t, r.ID, inbox.ComponentRequests[0].ID)
	require.Len(t, inbox.Loans, 1)
	require.Equal(t, l.ID, inbox.Loans[0].ID)

	empty, err := svc.Inbox(ctx, env.Principal(t, testfixtures.StudentMentored))
	require.NoError(t, err)
	require.Empty(t, empty.Bookings)
	require.Empty(t, empty.ComponentRequests)
	require.Empty(t, empty.Loans)

	_, err = svc.Inbox(ctx, application.Principal{})
	require.ErrorIs(t, err, application.ErrUnauthorized)
}
