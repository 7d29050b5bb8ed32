package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/ledger"
	"github.com/example/labreserve/internal/loan"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/testfixtures"
)

func newBooking(id, requester string, labs ...string) persistence.Booking {
	now := testfixtures.ReferenceTime()
	b := persistence.Booking{
		ID:              id,
		RequesterID:     requester,
		RequesterRole:   approval.RoleStudent,
		DepartmentID:    testfixtures.DeptCSE,
		Date:            testfixtures.ReferenceDate(7),
		StartMinute:     600,
		EndMinute:       660,
		Purpose:         "project demo",
		Status:          approval.StagePendingMentor,
		IsMultiResource: len(labs) > 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, l := range labs {
		b.Resources = append(b.Resources, persistence.BookingResource{LabID: l, Status: approval.SubPending})
	}
	return b
}

func TestDirectory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testfixtures.NewSQLiteHarness(t).Store
	testfixtures.SeedOrg(t, store)

	t.Run("reads users case-insensitively", func(t *testing.T) {
		u, err := store.GetUserByEmail(ctx, "STU-1@Example.edu")
		require.NoError(t, err)
		require.Equal(t, testfixtures.StudentMentored, u.ID)
		require.NotNil(t, u.MentorID)
		require.Equal(t, testfixtures.Mentor, *u.MentorID)

		_, err = store.GetUser(ctx, "nobody")
		require.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("lists users by role within a department", func(t *testing.T) {
		hods, err := store.ListUsersByRole(ctx, testfixtures.DeptCSE, approval.RoleHOD)
		require.NoError(t, err)
		require.Len(t, hods, 1)
		require.Equal(t, testfixtures.HODCSE, hods[0].ID)
	})

	t.Run("component total change keeps stock on loan accounted", func(t *testing.T) {
		ok, err := store.DecrementAvailable(ctx, testfixtures.ComponentArduino, 4)
		require.NoError(t, err)
		require.True(t, ok)

		c := testfixtures.NewOrg().Components[testfixtures.ComponentArduino]
		c.QuantityTotal = 12
		require.NoError(t, store.UpsertComponent(ctx, c))

		lvl, err := store.StockLevel(ctx, testfixtures.ComponentArduino)
		require.NoError(t, err)
		require.Equal(t, 12, lvl.Total)
		require.Equal(t, 8, lvl.Available)

		c.QuantityTotal = 3
		require.ErrorIs(t, store.UpsertComponent(ctx, c), persistence.ErrConstraintViolation)
	})

	t.Run("timetable slots round trip", func(t *testing.T) {
		until := testfixtures.ReferenceDate(90)
		slot := persistence.TimetableSlot{
			ID: "tt-1", LabID: testfixtures.LabA, Label: "OS lab", Weekday: time.Monday,
			StartMinute: 540, EndMinute: 660, ValidFrom: testfixtures.ReferenceDate(0), ValidUntil: &until,
		}
		require.NoError(t, store.UpsertTimetableSlot(ctx, slot))
		slots, err := store.ListTimetable(ctx, testfixtures.LabA)
		require.NoError(t, err)
		require.Len(t, slots, 1)
		require.Equal(t, time.Monday, slots[0].Weekday)
		require.True(t, slots[0].ValidUntil.Equal(until))
	})
}

func TestBookings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testfixtures.NewSQLiteHarness(t).Store
	testfixtures.SeedOrg(t, store)

	b := newBooking("bk-1", testfixtures.StudentMentored, testfixtures.LabA, testfixtures.LabB)
	require.NoError(t, store.InsertBooking(ctx, b))

	got, err := store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	require.Equal(t, approval.StagePendingMentor, got.Status)
	require.True(t, got.IsMultiResource)
	require.Equal(t, []string{testfixtures.LabA, testfixtures.LabB}, got.LabIDs())
	require.True(t, got.Date.Equal(b.Date))

	t.Run("guarded update refuses a stale stage", func(t *testing.T) {
		at := testfixtures.ReferenceTime().Add(time.Hour)
		got.Status = approval.StagePendingResourceOwner
		got.Mentor = persistence.StageStamp{ApproverID: testfixtures.Mentor, At: &at, Remarks: "ok"}
		got.UpdatedAt = at
		require.NoError(t, store.UpdateBooking(ctx, got, approval.StagePendingMentor))
		require.ErrorIs(t, store.UpdateBooking(ctx, got, approval.StagePendingMentor), persistence.ErrGuardFailed)

		again, err := store.GetBooking(ctx, "bk-1")
		require.NoError(t, err)
		require.True(t, again.Mentor.Stamped())
		require.Equal(t, "ok", again.Mentor.Remarks)
	})

	t.Run("reserved slots drop rejected memberships", func(t *testing.T) {
		r, _ := got.Resource(testfixtures.LabB)
		r.Status = approval.SubRejected
		require.NoError(t, store.UpdateBookingResource(ctx, r, approval.SubPending))
		require.ErrorIs(t, store.UpdateBookingResource(ctx, r, approval.SubPending), persistence.ErrGuardFailed)

		slots, err := store.ListReservedSlots(ctx, testfixtures.LabA, b.Date)
		require.NoError(t, err)
		require.Len(t, slots, 1)
		slots, err = store.ListReservedSlots(ctx, testfixtures.LabB, b.Date)
		require.NoError(t, err)
		require.Empty(t, slots)
	})

	t.Run("filters by pending owner and mentor", func(t *testing.T) {
		list, err := store.ListBookings(ctx, persistence.BookingFilter{PendingOwnerID: testfixtures.OwnerA})
		require.NoError(t, err)
		require.Len(t, list, 1)
		list, err = store.ListBookings(ctx, persistence.BookingFilter{PendingOwnerID: testfixtures.OwnerB})
		require.NoError(t, err)
		require.Empty(t, list)

		list, err = store.ListBookings(ctx, persistence.BookingFilter{MentorID: testfixtures.Mentor})
		require.NoError(t, err)
		require.Len(t, list, 1)
		list, err = store.ListBookings(ctx, persistence.BookingFilter{MentorID: testfixtures.FacultyOther})
		require.NoError(t, err)
		require.Empty(t, list)
	})
}

func TestWithinTxRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testfixtures.NewSQLiteHarness(t).Store
	testfixtures.SeedOrg(t, store)

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		require.NoError(t, tx.InsertBooking(ctx, newBooking("bk-rb", testfixtures.StudentMentored, testfixtures.LabA)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetBooking(ctx, "bk-rb")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestConcurrentSlotClaimsAdmitOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testfixtures.NewSQLiteHarness(t).Store
	testfixtures.SeedOrg(t, store)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		failed  []error
	)
	errTaken := errors.New("slot taken")
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
				if err := tx.LockKeys(ctx, "lab:"+testfixtures.LabA); err != nil {
					return err
				}
				slots, err := tx.ListReservedSlots(ctx, testfixtures.LabA, testfixtures.ReferenceDate(7))
				if err != nil {
					return err
				}
				if len(slots) > 0 {
					return errTaken
				}
				return tx.InsertBooking(ctx, newBooking(fmt.Sprintf("bk-%d", i), testfixtures.StudentMentored, testfixtures.LabA))
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case !errors.Is(err, errTaken):
				failed = append(failed, err)
			}
		}(i)
	}
	wg.Wait()
	require.Empty(t, failed)
	require.Equal(t, 1, created)
}

func TestStockGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testfixtures.NewSQLiteHarness(t).Store
	testfixtures.SeedOrg(t, store)

	items := []ledger.Item{{ComponentID: testfixtures.ComponentSensor, Quantity: 2}}
	require.NoError(t, ledger.Issue(ctx, store, items))

	var insufficient *ledger.InsufficientError
	require.ErrorAs(t, ledger.Issue(ctx, store, items), &insufficient)
	require.Equal(t, 1, insufficient.Available)

	require.NoError(t, ledger.Return(ctx, store, items))
	require.ErrorIs(t, ledger.Return(ctx, store, items), ledger.ErrOverReturn)

	lvl, err := store.StockLevel(ctx, testfixtures.ComponentSensor)
	require.NoError(t, err)
	require.Equal(t, 3, lvl.Available)
}

func TestComponentRequestAndLoan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testfixtures.NewSQLiteHarness(t).Store
	testfixtures.SeedOrg(t, store)

	now := testfixtures.ReferenceTime()
	req := persistence.ComponentRequest{
		ID: "cr-1", RequesterID: testfixtures.StudentMentored, InitiatorRole: approval.RoleStudent,
		DepartmentID: testfixtures.DeptCSE, LabID: testfixtures.LabA,
		Items:      []persistence.RequestItem{{ComponentID: testfixtures.ComponentArduino, Quantity: 2}},
		ReturnDate: testfixtures.ReferenceDate(14), Status: approval.StageApproved,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.InsertComponentRequest(ctx, req))

	require.NoError(t, store.MarkIssued(ctx, "cr-1", now))
	require.ErrorIs(t, store.MarkIssued(ctx, "cr-1", now), persistence.ErrGuardFailed)

	l := persistence.Loan{
		ID: "ln-1", RequestID: "cr-1", RequesterID: req.RequesterID, LabID: req.LabID,
		IssuedBy: testfixtures.OwnerA, IssuedAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	l.Apply(loan.New(req.ReturnDate))
	require.NoError(t, store.InsertLoan(ctx, l))
	require.ErrorIs(t, store.InsertLoan(ctx, persistence.Loan{ID: "ln-2", RequestID: "cr-1", RequesterID: req.RequesterID,
		LabID: req.LabID, Status: loan.StatusIssued, ExtensionStatus: loan.ExtensionNone, DueDate: req.ReturnDate,
		CreatedAt: now, UpdatedAt: now}), persistence.ErrDuplicate)

	got, err := store.GetLoanByRequest(ctx, "cr-1")
	require.NoError(t, err)
	require.Equal(t, "ln-1", got.ID)
	require.Equal(t, req.Items, got.Items)

	next, err := loan.RequestExtension(got.State(), req.ReturnDate.AddDate(0, 0, 3))
	require.NoError(t, err)
	got.Apply(next)
	require.NoError(t, store.UpdateLoan(ctx, got, loan.StatusIssued, loan.ExtensionNone))
	require.ErrorIs(t, store.UpdateLoan(ctx, got, loan.StatusIssued, loan.ExtensionNone), persistence.ErrGuardFailed)

	due := req.ReturnDate.AddDate(0, 0, 1)
	overdue, err := store.ListLoans(ctx, persistence.LoanFilter{Statuses: []loan.Status{loan.StatusIssued}, DueBefore: &due})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, loan.ExtensionPending, overdue[0].ExtensionStatus)
}

func TestActivityLogIsAppendOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testfixtures.NewSQLiteHarness(t).Store

	var seqs []int64
	for i := 0; i < 3; i++ {
		e, err := store.AppendActivity(ctx, activity.Entry{
			ID: fmt.Sprintf("act-%d", i), EntityType: activity.EntityBooking, EntityID: "bk-1",
			TransitionID: fmt.Sprintf("tr-%d", i), Actor: activity.Actor{ID: "u"}, Action: activity.ActionCreated,
			Snapshot: []byte(`{"id":"bk-1"}`), CreatedAt: testfixtures.ReferenceTime(),
		})
		require.NoError(t, err)
		seqs = append(seqs, e.Seq)
	}
	require.Less(t, seqs[0], seqs[1])
	require.Less(t, seqs[1], seqs[2])

	page, err := store.ListActivity(ctx, activity.Filter{EntityID: "bk-1"}, seqs[0], 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.JSONEq(t, `{"id":"bk-1"}`, string(page[0].Snapshot))

	_, err = store.DB().ExecContext(ctx, `UPDATE activity_log SET action = 'approved'`)
	require.ErrorIs(t, store.Dialect().MapError(err), persistence.ErrAppendOnly)
	_, err = store.DB().ExecContext(ctx, `DELETE FROM activity_log`)
	require.ErrorIs(t, store.Dialect().MapError(err), persistence.ErrAppendOnly)

	history, err := store.EntityHistory(ctx, activity.EntityBooking, "bk-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
}
