package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/scheduler"
)

// ActivityService reads the audit trail and reverts recent decisions.
type ActivityService struct {
	deps       Dependencies
	bookings   *BookingService
	components *ComponentService
	loans      *LoanService
}

// NewActivityService wires dependencies for audit operations.
func NewActivityService(deps Dependencies) *ActivityService {
	deps = deps.withDefaults()
	return &ActivityService{
		deps:       deps,
		bookings:   &BookingService{deps: deps},
		components: &ComponentService{deps: deps},
		loans:      &LoanService{deps: deps},
	}
}

func (s *ActivityService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.deps.Logger, "ActivityService", operation, attrs...)
}

// scope restricts f to the principal's own entries unless they administer
// the system.
func scope(p Principal, f activity.Filter) activity.Filter {
	if !p.IsAdmin() {
		f.ActorID = p.ID
	}
	return f
}

// Pager returns a restartable scan over the entries visible to p.
func (s *ActivityService) Pager(p Principal, f activity.Filter, pageSize int, cursor string) (*activity.Pager, error) {
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	pager, err := activity.NewPager(s.deps.Store, scope(p, f), pageSize, cursor)
	if err != nil {
		return nil, validationFor("cursor", err.Error())
	}
	return pager, nil
}

// Page reads one page of the log after cursor.
func (s *ActivityService) Page(ctx context.Context, p Principal, f activity.Filter, cursor string, limit int) (activity.Page, error) {
	pager, err := s.Pager(p, f, limit, cursor)
	if err != nil {
		return activity.Page{}, err
	}
	return pager.Next(ctx)
}

// History returns every entry of one entity, provided p may see the entity.
func (s *ActivityService) History(ctx context.Context, p Principal, entity activity.EntityType, id string) ([]activity.Entry, error) {
	if s == nil {
		return nil, fmt.Errorf("ActivityService is nil")
	}
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	if !p.IsAdmin() {
		var err error
		switch entity {
		case activity.EntityBooking:
			_, err = s.bookings.GetBooking(ctx, p, id)
		case activity.EntityComponentRequest:
			_, err = s.components.GetComponentRequest(ctx, p, id)
		case activity.EntityLoan:
			_, err = s.loans.GetLoan(ctx, p, id)
		default:
			err = validationFor("entity_type", fmt.Sprintf("unknown entity type %q", entity))
		}
		if err != nil {
			return nil, err
		}
	}
	entries, err := s.deps.Store.EntityHistory(ctx, entity, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return entries, nil
}

// Undo reverts the decision recorded by an entry. Only the most recent
// transition of its entity can be reverted, and only within the undo window.
// The entity returns to the state its previous snapshot recorded and an undo
// entry carries the restored state.
func (s *ActivityService) Undo(ctx context.Context, params UndoParams) (entry activity.Entry, err error) {
	if s == nil {
		err = fmt.Errorf("ActivityService is nil")
		return
	}
	p := params.Principal
	logger := s.loggerWith(ctx, "Undo", "principal_id", p.ID, "entry_id", params.EntryID)
	var target activity.Entry
	defer func() {
		logOutcome(ctx, logger, err, "decision reverted", "entity_type", target.EntityType, "entity_id", target.EntityID)
		s.deps.refused(ctx, target.EntityType, target.EntityID, target.ResourceID, p, "undo", err)
	}()

	if p.ID == "" {
		err = ErrUnauthorized
		return
	}
	target, err = s.deps.Store.GetActivity(ctx, params.EntryID)
	if err != nil {
		err = notFound(err, "activity entry")
		return
	}
	if !p.IsAdmin() {
		err = &AuthorizationError{Stage: string(target.Action), Role: p.Role, Reason: "only administrators may undo decisions"}
		return
	}
	if !target.Action.Decision() || target.EntityType == activity.EntityLoan {
		err = validationFor("entry_id", fmt.Sprintf("%s entries cannot be undone", target.Action))
		return
	}
	if age := s.deps.Now().Sub(target.CreatedAt); age > s.deps.UndoWindow {
		err = &InvalidStateError{Entity: string(target.EntityType), Stage: "outside the undo window", Action: "undo"}
		return
	}

	var (
		from, to approval.Stage
		aud      audience
	)
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		key := bookingKey(target.EntityID)
		if target.EntityType == activity.EntityComponentRequest {
			key = componentRequestKey(target.EntityID)
		}
		if err := tx.LockKeys(ctx, key); err != nil {
			return err
		}
		history, err := tx.EntityHistory(ctx, target.EntityType, target.EntityID)
		if err != nil {
			return err
		}
		if last, ok := activity.LastTransition(history); !ok || last != target.TransitionID {
			return &InvalidStateError{Entity: string(target.EntityType), Stage: "superseded by a later change", Action: "undo"}
		}
		prior := activity.PriorTo(history, target.TransitionID)

		t := s.deps.begin(ctx, tx, p)
		var snapshot any
		switch target.EntityType {
		case activity.EntityBooking:
			st, err := s.undoBooking(ctx, tx, prior, &from, &to)
			if err != nil {
				return err
			}
			snapshot, aud = st.booking, st.audience()
		case activity.EntityComponentRequest:
			st, err := s.undoComponentRequest(ctx, tx, prior, &from, &to)
			if err != nil {
				return err
			}
			snapshot, aud = st.request, st.audience()
		}
		if err := t.Record(ctx, activity.Record{
			EntityType:  target.EntityType,
			EntityID:    target.EntityID,
			ResourceID:  target.ResourceID,
			Action:      activity.ActionUndo,
			Description: fmt.Sprintf("reverted %s entry %s", target.Action, target.ID),
			Snapshot:    snapshot,
		}); err != nil {
			return err
		}
		entry = t.Entries()[0]
		return nil
	})
	if err != nil {
		entry = activity.Entry{}
		return
	}

	s.deps.Metrics.TransitionRecorded(target.EntityType, activity.ActionUndo)
	s.deps.Dispatcher.send(ctx, s.deps.stageMessages(string(target.EntityType), target.EntityID, from, to, aud)...)
	return
}

func restoredFrom[T any](prior []activity.Entry) (T, error) {
	v, err := activity.Project[T](prior)
	if errors.Is(err, activity.ErrNoSnapshot) {
		var zero T
		return zero, &InvalidStateError{Entity: "entry", Stage: "without an earlier snapshot", Action: "undo"}
	}
	return v, err
}

// undoBooking rewinds the booking and each membership row. Labs that become
// live again are checked for conflicts first.
func (s *ActivityService) undoBooking(ctx context.Context, tx persistence.Tx, prior []activity.Entry, from, to *approval.Stage) (*bookingState, error) {
	restored, err := restoredFrom[persistence.Booking](prior)
	if err != nil {
		return nil, err
	}
	st, err := s.bookings.loadState(ctx, tx, restored.ID)
	if err != nil {
		return nil, err
	}
	cur := st.booking
	*from, *to = cur.Status, restored.Status

	interval := scheduler.Interval{Date: cur.Date, Start: cur.StartMinute, End: cur.EndMinute}
	for _, want := range restored.Resources {
		have, ok := cur.Resource(want.LabID)
		if !ok {
			return nil, fmt.Errorf("booking %s lost lab %s", cur.ID, want.LabID)
		}
		if have.Status == want.Status && have.Stamp.ApproverID == want.Stamp.ApproverID {
			continue
		}
		if want.Status.Surviving() && !have.Status.Surviving() {
			if err := s.bookings.ensureFree(ctx, tx, st.labs[want.LabID], interval, cur.ID); err != nil {
				return nil, err
			}
		}
		if err := st.setResource(ctx, tx, want.LabID, want.Status, want.Stamp); err != nil {
			return nil, err
		}
	}

	st.booking.Status = restored.Status
	st.stamps().restore(stageStamps{
		mentor:      &restored.Mentor,
		owner:       &restored.ResourceOwner,
		final:       &restored.FinalAuthority,
		termination: &restored.Termination,
	})
	st.booking.UpdatedAt = s.deps.Now().UTC()
	if err := tx.UpdateBooking(ctx, st.booking, cur.Status); err != nil {
		return nil, staleState(err, "booking", string(cur.Status), "undo")
	}
	return st, nil
}

// undoComponentRequest rewinds a request that has not been handed over.
func (s *ActivityService) undoComponentRequest(ctx context.Context, tx persistence.Tx, prior []activity.Entry, from, to *approval.Stage) (*requestState, error) {
	restored, err := restoredFrom[persistence.ComponentRequest](prior)
	if err != nil {
		return nil, err
	}
	st, err := loadRequestState(ctx, tx, restored.ID)
	if err != nil {
		return nil, err
	}
	cur := st.request
	if cur.IssuedAt != nil {
		return nil, &InvalidStateError{Entity: "component request", Stage: "issued", Action: "undo"}
	}
	switch l, err := tx.GetLoanByRequest(ctx, cur.ID); {
	case err == nil:
		return nil, &InvalidStateError{Entity: "component request", Stage: "loan " + string(l.Status), Action: "undo"}
	case !errors.Is(err, persistence.ErrNotFound):
		return nil, err
	}
	*from, *to = cur.Status, restored.Status

	st.request.Status = restored.Status
	st.stamps().restore(stageStamps{
		mentor:      &restored.Mentor,
		owner:       &restored.ResourceOwner,
		final:       &restored.FinalAuthority,
		termination: &restored.Termination,
	})
	st.request.UpdatedAt = s.deps.Now().UTC()
	if err := tx.UpdateComponentRequest(ctx, st.request, cur.Status); err != nil {
		return nil, staleState(err, "component request", string(cur.Status), "undo")
	}
	return st, nil
}
