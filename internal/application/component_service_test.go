package application_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/loan"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/testfixtures"
)

func item(id string, qty int) persistence.RequestItem {
	return persistence.RequestItem{ComponentID: id, Quantity: qty}
}

func TestComponentRequestChecksStockAtCreation(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()

	_, err := env.Components.CreateComponentRequest(ctx, application.CreateComponentRequestParams{
		Principal:  env.Principal(t, testfixtures.StudentMentored),
		Items:      []persistence.RequestItem{item(testfixtures.ComponentSensor, 5)},
		Purpose:    "weather station",
		ReturnDate: testfixtures.ReferenceDate(3),
	})
	var short *application.InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Equal(t, testfixtures.ComponentSensor, short.ComponentID)
	require.Equal(t, 5, short.Requested)
	require.Equal(t, 3, short.Available)

	list, err := env.Store.ListComponentRequests(ctx, persistence.ComponentRequestFilter{RequesterID: testfixtures.StudentMentored})
	require.NoError(t, err)
	require.Empty(t, list)
	require.Equal(t, 3, available(t, env, testfixtures.ComponentSensor))
}

func TestComponentRequestValidation(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()
	student := env.Principal(t, testfixtures.StudentMentored)

	tests := []struct {
		name   string
		params application.CreateComponentRequestParams
		field  string
	}{
		{
			name:   "no items",
			params: application.CreateComponentRequestParams{Principal: student, Purpose: "x", ReturnDate: testfixtures.ReferenceDate(1)},
			field:  "items",
		},
		{
			name: "zero quantity",
			params: application.CreateComponentRequestParams{
				Principal: student, Purpose: "x", ReturnDate: testfixtures.ReferenceDate(1),
				Items: []persistence.RequestItem{item(testfixtures.ComponentArduino, 0)},
			},
			field: "items",
		},
		{
			name: "components from two labs",
			params: application.CreateComponentRequestParams{
				Principal: student, Purpose: "x", ReturnDate: testfixtures.ReferenceDate(1),
				Items: []persistence.RequestItem{item(testfixtures.ComponentArduino, 1), item(testfixtures.ComponentScope, 1)},
			},
			field: "items",
		},
		{
			name: "return date in the past",
			params: application.CreateComponentRequestParams{
				Principal: student, Purpose: "x", ReturnDate: testfixtures.ReferenceDate(-2),
				Items: []persistence.RequestItem{item(testfixtures.ComponentArduino, 1)},
			},
			field: "return_date",
		},
		{
			name: "missing purpose",
			params: application.CreateComponentRequestParams{
				Principal: student, ReturnDate: testfixtures.ReferenceDate(1),
				Items: []persistence.RequestItem{item(testfixtures.ComponentArduino, 1)},
			},
			field: "purpose",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Components.CreateComponentRequest(ctx, tc.params)
			var vErr *application.ValidationError
			require.ErrorAs(t, err, &vErr)
			require.Contains(t, vErr.FieldErrors, tc.field)
		})
	}
}

func TestComponentRequestMergesDuplicateLines(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	r := requestComponents(t, env, testfixtures.StudentMentored,
		item(testfixtures.ComponentSensor, 1), item(testfixtures.ComponentArduino, 2), item(testfixtures.ComponentSensor, 1))

	require.Equal(t, approval.StagePendingMentor, r.Status)
	require.Equal(t, testfixtures.LabA, r.LabID)
	require.Equal(t, []persistence.RequestItem{
		item(testfixtures.ComponentArduino, 2),
		item(testfixtures.ComponentSensor, 2),
	}, r.Items)
}

func TestComponentRequestApprovalChain(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()
	r := requestComponents(t, env, testfixtures.StudentMentored, item(testfixtures.ComponentArduino, 1))

	_, err := env.Components.Decide(ctx, application.DecideParams{
		Principal: env.Principal(t, testfixtures.OwnerA),
		RequestID: r.ID,
		Action:    approval.ActionApprove,
	})
	var authz *application.AuthorizationError
	require.ErrorAs(t, err, &authz)

	require.Equal(t, approval.StagePendingResourceOwner, approveComponents(t, env, testfixtures.Mentor, r.ID))
	require.Equal(t, approval.StagePendingFinalAuthority, approveComponents(t, env, testfixtures.OwnerA, r.ID))

	inbox, err := env.Components.Awaiting(ctx, env.Principal(t, testfixtures.HODCSE))
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	require.Equal(t, approval.StageApproved, approveComponents(t, env, testfixtures.HODCSE, r.ID))

	stored, err := env.Components.GetComponentRequest(ctx, env.Principal(t, testfixtures.StudentMentored), r.ID)
	require.NoError(t, err)
	require.Equal(t, testfixtures.Mentor, stored.Mentor.ApproverID)
	require.Equal(t, testfixtures.OwnerA, stored.ResourceOwner.ApproverID)
	require.Equal(t, testfixtures.HODCSE, stored.FinalAuthority.ApproverID)

	// Approval does not hold stock.
	require.Equal(t, 10, available(t, env, testfixtures.ComponentArduino))

	_, err = env.Components.GetComponentRequest(ctx, env.Principal(t, testfixtures.StudentUnmentored), r.ID)
	require.ErrorIs(t, err, application.ErrNotFound)
}

func TestComponentRequestRejectAndWithdraw(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()

	rejected := requestComponents(t, env, testfixtures.FacultyOther, item(testfixtures.ComponentArduino, 1))
	stage, err := env.Components.Decide(ctx, application.DecideParams{
		Principal: env.Principal(t, testfixtures.HODCSE),
		RequestID: rejected.ID,
		Action:    approval.ActionReject,
		Reason:    "not in the syllabus",
	})
	require.NoError(t, err)
	require.Equal(t, approval.StageRejected, stage)

	withdrawn := requestComponents(t, env, testfixtures.FacultyOther, item(testfixtures.ComponentArduino, 1))
	_, err = env.Components.Withdraw(ctx, application.WithdrawParams{Principal: env.Principal(t, testfixtures.OwnerA), RequestID: withdrawn.ID})
	var authz *application.AuthorizationError
	require.ErrorAs(t, err, &authz)

	stage, err = env.Components.Withdraw(ctx, application.WithdrawParams{Principal: env.Principal(t, testfixtures.FacultyOther), RequestID: withdrawn.ID})
	require.NoError(t, err)
	require.Equal(t, approval.StageWithdrawn, stage)

	_, err = env.Components.Withdraw(ctx, application.WithdrawParams{Principal: env.Principal(t, testfixtures.FacultyOther), RequestID: withdrawn.ID})
	var state *application.InvalidStateError
	require.ErrorAs(t, err, &state)
}

func TestIssueDecrementsStockAndOpensLoan(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()
	r := approvedRequest(t, env, item(testfixtures.ComponentArduino, 2), item(testfixtures.ComponentSensor, 1))

	inbox, err := env.Components.Awaiting(ctx, env.Principal(t, testfixtures.OwnerA))
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	_, err = env.Components.Issue(ctx, application.IssueParams{Principal: env.Principal(t, testfixtures.OwnerB), RequestID: r.ID})
	var authz *application.AuthorizationError
	require.ErrorAs(t, err, &authz)

	l := issue(t, env, r.ID)
	require.Equal(t, loan.StatusIssued, l.Status)
	require.Equal(t, loan.ExtensionNone, l.ExtensionStatus)
	require.Equal(t, testfixtures.ReferenceDate(2), l.DueDate)
	require.Equal(t, testfixtures.FacultyOther, l.RequesterID)
	require.Equal(t, 8, available(t, env, testfixtures.ComponentArduino))
	require.Equal(t, 2, available(t, env, testfixtures.ComponentSensor))

	stored, err := env.Store.GetComponentRequest(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.IssuedAt)

	_, err = env.Components.Issue(ctx, application.IssueParams{Principal: env.Principal(t, testfixtures.OwnerA), RequestID: r.ID})
	var state *application.InvalidStateError
	require.ErrorAs(t, err, &state)
	require.Equal(t, 8, available(t, env, testfixtures.ComponentArduino))

	inbox, err = env.Components.Awaiting(ctx, env.Principal(t, testfixtures.OwnerA))
	require.NoError(t, err)
	require.Empty(t, inbox)

	history, err := env.Activity.History(ctx, env.Principal(t, testfixtures.Admin), activity.EntityLoan, l.ID)
	require.NoError(t, err)
	require.Equal(t, []activity.Action{activity.ActionIssued}, actions(history))

	env.Settle()
	sent := env.Notifier.Sent(application.TemplateLoanIssued)
	require.Len(t, sent, 1)
	require.Equal(t, []string{testfixtures.FacultyOther}, sent[0].Recipients)
}

func TestIssueRollsBackWhenStockRunsOut(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()

	// Both requests pass the creation check while three sensors are on the shelf.
	first := approvedRequest(t, env, item(testfixtures.ComponentArduino, 1), item(testfixtures.ComponentSensor, 2))
	second := approvedRequest(t, env, item(testfixtures.ComponentArduino, 1), item(testfixtures.ComponentSensor, 2))

	issue(t, env, first.ID)
	require.Equal(t, 9, available(t, env, testfixtures.ComponentArduino))
	require.Equal(t, 1, available(t, env, testfixtures.ComponentSensor))

	_, err := env.Components.Issue(ctx, application.IssueParams{Principal: env.Principal(t, testfixtures.OwnerA), RequestID: second.ID})
	var short *application.InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Equal(t, testfixtures.ComponentSensor, short.ComponentID)
	require.Equal(t, 1, short.Available)

	// The arduino decrement that ran before the failing line is undone.
	require.Equal(t, 9, available(t, env, testfixtures.ComponentArduino))
	require.Equal(t, 1, available(t, env, testfixtures.ComponentSensor))

	stored, err := env.Store.GetComponentRequest(ctx, second.ID)
	require.NoError(t, err)
	require.Nil(t, stored.IssuedAt)
	_, err = env.Store.GetLoanByRequest(ctx, second.ID)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestIssueRejectsPastDueDateAndUnapprovedRequests(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()
	owner := env.Principal(t, testfixtures.OwnerA)

	pending := requestComponents(t, env, testfixtures.FacultyOther, item(testfixtures.ComponentArduino, 1))
	_, err := env.Components.Issue(ctx, application.IssueParams{Principal: owner, RequestID: pending.ID})
	var state *application.InvalidStateError
	require.ErrorAs(t, err, &state)

	r := approvedRequest(t, env, item(testfixtures.ComponentArduino, 1))
	past := testfixtures.ReferenceDate(-1)
	_, err = env.Components.Issue(ctx, application.IssueParams{Principal: owner, RequestID: r.ID, DueDate: &past})
	var vErr *application.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Contains(t, vErr.FieldErrors, "due_date")

	later := testfixtures.ReferenceDate(9)
	l, err := env.Components.Issue(ctx, application.IssueParams{Principal: owner, RequestID: r.ID, DueDate: &later})
	require.NoError(t, err)
	require.Equal(t, later, l.DueDate)
}

func TestDeclineIssue(t *testing.T) {
	t.Parallel()

	env := testfixtures.NewEnv(t)
	ctx := context.Background()
	owner := env.Principal(t, testfixtures.OwnerA)
	r := approvedRequest(t, env, item(testfixtures.ComponentArduino, 3))

	_, err := env.Components.DeclineIssue(ctx, application.DeclineIssueParams{Principal: owner, RequestID: r.ID})
	var vErr *application.ValidationError
	require.ErrorAs(t, err, &vErr)

	l, err := env.Components.DeclineIssue(ctx, application.DeclineIssueParams{Principal: owner, RequestID: r.ID, Reason: "boards reserved for exams"})
	require.NoError(t, err)
	require.Equal(t, loan.StatusRejected, l.Status)
	require.Equal(t, "boards reserved for exams", l.DeclineReason)
	require.Equal(t, 10, available(t, env, testfixtures.ComponentArduino))

	var state *application.InvalidStateError
	_, err = env.Components.DeclineIssue(ctx, application.DeclineIssueParams{Principal: owner, RequestID: r.ID, Reason: "again"})
	require.ErrorAs(t, err, &state)

	_, err = env.Components.Issue(ctx, application.IssueParams{Principal: owner, RequestID: r.ID})
	require.ErrorAs(t, err, &state)
	require.Equal(t, 10, available(t, env, testfixtures.ComponentArduino))

	env.Settle()
	require.Len(t, env.Notifier.Sent(application.TemplateLoanDeclined), 1)
}
