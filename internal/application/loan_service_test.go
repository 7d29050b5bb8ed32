package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/loan"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/testfixtures"
)

// issuedLoan hands two arduinos to fac-2, due two days after the reference
// date.
func issuedLoan(t *testing.T, env *testfixtures.Env) persistence.Loan {
	t.Helper()
	r := approvedRequest(t, env, item(testfixtures.ComponentArduino, 2))
	return issue(t, env, r.ID)
}

func TestLoanRejectedExtensionThenLateReturn(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()
	borrower := env.Principal(t, testfixtures.FacultyOther)
	owner := env.Principal(t, testfixtures.OwnerA)

	l := issuedLoan(t, env)
	require.Equal(t, testfixtures.ReferenceDate(2), l.DueDate)
	require.Equal(t, 8, available(t, env, testfixtures.ComponentArduino))

	l, err := env.Loans.RequestExtension(ctx, application.RequestExtensionParams{
		Principal:  borrower,
		LoanID:     l.ID,
		NewDueDate: testfixtures.ReferenceDate(5),
		Reason:     "firmware still flashing",
	})
	require.NoError(t, err)
	require.Equal(t, loan.ExtensionPending, l.ExtensionStatus)

	awaiting, err := env.Loans.Awaiting(ctx, owner)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)

	l, err = env.Loans.DecideExtension(ctx, application.DecideExtensionParams{Principal: owner, LoanID: l.ID, Remarks: "needed by the next batch"})
	require.NoError(t, err)
	require.Equal(t, loan.ExtensionRejected, l.ExtensionStatus)
	require.Equal(t, testfixtures.ReferenceDate(2), l.DueDate)
	require.Equal(t, testfixtures.OwnerA, l.ExtensionDecidedBy)

	env.Clock.AdvanceDays(3)

	l, err = env.Loans.RequestReturn(ctx, application.LoanActionParams{Principal: borrower, LoanID: l.ID})
	require.NoError(t, err)
	require.Equal(t, loan.StatusReturnRequested, l.Status)

	l, err = env.Loans.ApproveReturn(ctx, application.LoanActionParams{Principal: owner, LoanID: l.ID})
	require.NoError(t, err)
	require.Equal(t, loan.StatusReturned, l.Status)
	require.Equal(t, 1, l.DelayDays)
	require.Equal(t, testfixtures.OwnerA, l.ReturnApprovedBy)
	require.Equal(t, 10, available(t, env, testfixtures.ComponentArduino))

	request, err := env.Store.GetComponentRequest(ctx, l.RequestID)
	require.NoError(t, err)
	require.NotNil(t, request.ReturnRequestedAt)
	require.NotNil(t, request.ReturnedAt)

	history, err := env.Activity.History(ctx, env.Principal(t, testfixtures.Admin), activity.EntityLoan, l.ID)
	require.NoError(t, err)
	require.Equal(t, []activity.Action{
		activity.ActionIssued,
		activity.ActionExtensionRequested,
		activity.ActionExtensionRejected,
		activity.ActionReturnRequested,
		activity.ActionReturned,
	}, actions(history))
	require.Contains(t, history[4].Description, "1 day(s) late")

	env.Settle()
	require.Len(t, env.Notifier.Sent(application.TemplateExtensionDecided), 1)
	returned := env.Notifier.Sent(application.TemplateLoanReturned)
	require.Len(t, returned, 1)
	require.Equal(t, []string{testfixtures.FacultyOther}, returned[0].Recipients)
	requested := env.Notifier.Sent(application.TemplateReturnRequested)
	require.Len(t, requested, 1)
	require.Equal(t, []string{testfixtures.OwnerA}, requested[0].Recipients)
}

func TestLoanApprovedExtensionMovesDueDate(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()
	borrower := env.Principal(t, testfixtures.FacultyOther)
	l := issuedLoan(t, env)

	_, err := env.Loans.RequestExtension(ctx, application.RequestExtensionParams{Principal: borrower, LoanID: l.ID, NewDueDate: testfixtures.ReferenceDate(5)})
	require.NoError(t, err)

	// A second request while one is pending is refused.
	_, err = env.Loans.RequestExtension(ctx, application.RequestExtensionParams{Principal: borrower, LoanID: l.ID, NewDueDate: testfixtures.ReferenceDate(6)})
	var state *application.InvalidStateError
	require.ErrorAs(t, err, &state)
	require.Equal(t, "issued/extension_pending", state.Stage)

	// Administrators may decide on the owner's behalf.
	l, err = env.Loans.DecideExtension(ctx, application.DecideExtensionParams{Principal: env.Principal(t, testfixtures.Admin), LoanID: l.ID, Approve: true})
	require.NoError(t, err)
	require.Equal(t, loan.ExtensionApproved, l.ExtensionStatus)
	require.Equal(t, testfixtures.ReferenceDate(5), l.DueDate)

	_, err = env.Loans.RequestExtension(ctx, application.RequestExtensionParams{Principal: borrower, LoanID: l.ID, NewDueDate: testfixtures.ReferenceDate(4)})
	var vErr *application.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Contains(t, vErr.FieldErrors, "due_date")

	_, err = env.Loans.RequestExtension(ctx, application.RequestExtensionParams{Principal: borrower, LoanID: l.ID})
	require.ErrorAs(t, err, &vErr)

	// Returning on the extended date carries no delay.
	env.Clock.AdvanceDays(5)
	_, err = env.Loans.RequestReturn(ctx, application.LoanActionParams{Principal: borrower, LoanID: l.ID})
	require.NoError(t, err)
	l, err = env.Loans.ApproveReturn(ctx, application.LoanActionParams{Principal: env.Principal(t, testfixtures.OwnerA), LoanID: l.ID})
	require.NoError(t, err)
	require.Zero(t, l.DelayDays)
}

func TestLoanActionsEnforceStandingAndOrder(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()
	borrower := env.Principal(t, testfixtures.FacultyOther)
	owner := env.Principal(t, testfixtures.OwnerA)
	l := issuedLoan(t, env)

	var authz *application.AuthorizationError
	_, err := env.Loans.RequestReturn(ctx, application.LoanActionParams{Principal: owner, LoanID: l.ID})
	require.ErrorAs(t, err, &authz)
	_, err = env.Loans.ApproveReturn(ctx, application.LoanActionParams{Principal: borrower, LoanID: l.ID})
	require.ErrorAs(t, err, &authz)
	_, err = env.Loans.ApproveReturn(ctx, application.LoanActionParams{Principal: env.Principal(t, testfixtures.OwnerB), LoanID: l.ID})
	require.ErrorAs(t, err, &authz)

	var state *application.InvalidStateError
	_, err = env.Loans.ApproveReturn(ctx, application.LoanActionParams{Principal: owner, LoanID: l.ID})
	require.ErrorAs(t, err, &state)
	_, err = env.Loans.DecideExtension(ctx, application.DecideExtensionParams{Principal: owner, LoanID: l.ID, Approve: true})
	require.ErrorAs(t, err, &state)

	_, err = env.Loans.RequestReturn(ctx, application.LoanActionParams{Principal: borrower, LoanID: l.ID})
	require.NoError(t, err)
	_, err = env.Loans.RequestReturn(ctx, application.LoanActionParams{Principal: borrower, LoanID: l.ID})
	require.ErrorAs(t, err, &state)
	_, err = env.Loans.RequestExtension(ctx, application.RequestExtensionParams{Principal: borrower, LoanID: l.ID, NewDueDate: testfixtures.ReferenceDate(9)})
	require.ErrorAs(t, err, &state)

	_, err = env.Loans.RequestReturn(ctx, application.LoanActionParams{Principal: borrower, LoanID: "missing"})
	require.ErrorIs(t, err, application.ErrNotFound)

	_, err = env.Loans.GetLoan(ctx, env.Principal(t, testfixtures.StudentUnmentored), l.ID)
	require.ErrorIs(t, err, application.ErrNotFound)
	got, err := env.Loans.GetLoan(ctx, owner, l.ID)
	require.NoError(t, err)
	require.Equal(t, l.ID, got.ID)

	mine, err := env.Loans.ListMine(ctx, borrower)
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

func TestListOverdue(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()
	l := issuedLoan(t, env)

	overdue, err := env.Loans.ListOverdue(ctx, env.Principal(t, testfixtures.OwnerA), testfixtures.ReferenceDate(2))
	require.NoError(t, err)
	require.Empty(t, overdue)

	overdue, err = env.Loans.ListOverdue(ctx, env.Principal(t, testfixtures.OwnerA), testfixtures.ReferenceDate(4))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, l.ID, overdue[0].Loan.ID)
	require.Equal(t, 2, overdue[0].DelayDays)

	// A zero date means today.
	env.Clock.AdvanceDays(3)
	overdue, err = env.Loans.ListOverdue(ctx, env.Principal(t, testfixtures.Admin), time.Time{})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, 1, overdue[0].DelayDays)

	overdue, err = env.Loans.ListOverdue(ctx, env.Principal(t, testfixtures.OwnerB), testfixtures.ReferenceDate(4))
	require.NoError(t, err)
	require.Empty(t, overdue)
}
