package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/scheduler"
)

// BookingService runs lab reservations through conflict detection and the
// approval chain.
type BookingService struct {
	deps Dependencies
}

// NewBookingService wires dependencies for booking operations.
func NewBookingService(deps Dependencies) *BookingService {
	return &BookingService{deps: deps.withDefaults()}
}

func (s *BookingService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.deps.Logger, "BookingService", operation, attrs...)
}

// CreateReservation checks every requested lab for conflicts and stores the
// booking in the same transaction. The first busy lab aborts creation with a
// ConflictError naming it.
func (s *BookingService) CreateReservation(ctx context.Context, params CreateReservationParams) (booking persistence.Booking, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	if s.deps.Store == nil {
		err = fmt.Errorf("store not configured")
		return
	}

	p := params.Principal
	logger := s.loggerWith(ctx, "CreateReservation", "principal_id", p.ID, "lab_ids", params.LabIDs)
	defer func() {
		logOutcome(ctx, logger, err, "reservation created", "booking_id", booking.ID, "status", booking.Status)
		if err != nil {
			s.deps.Metrics.Refused(activity.EntityBooking, ErrorKind(err))
		}
	}()

	if p.ID == "" {
		err = ErrUnauthorized
		return
	}

	labIDs := uniqueStrings(trimAll(params.LabIDs))
	interval := scheduler.Interval{Date: scheduler.NormalizeDate(params.Date), Start: params.StartMinute, End: params.EndMinute}

	vErr := &ValidationError{}
	if len(labIDs) == 0 {
		vErr.add("lab_ids", "at least one lab is required")
	}
	if verr := interval.Validate(); verr != nil {
		if errors.Is(verr, scheduler.ErrMissingDate) {
			vErr.add("date", "date is required")
		} else {
			vErr.add("end", "end must be after start within the same day")
		}
	} else if interval.Date.Before(s.deps.today()) {
		vErr.add("date", "date must not be in the past")
	}
	purpose := strings.TrimSpace(params.Purpose)
	if purpose == "" {
		vErr.add("purpose", "purpose is required")
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}

	requester, err := s.deps.Store.GetUser(ctx, p.ID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			err = ErrUnauthorized
		}
		return
	}

	labs := make([]persistence.Lab, 0, len(labIDs))
	for _, id := range labIDs {
		lab, lerr := s.deps.Store.GetLab(ctx, id)
		if lerr != nil {
			if errors.Is(lerr, persistence.ErrNotFound) {
				vErr.add("lab_ids", fmt.Sprintf("unknown lab %q", id))
				continue
			}
			err = fmt.Errorf("load lab %s: %w", id, lerr)
			return
		}
		labs = append(labs, lab)
	}
	if !vErr.HasErrors() {
		for _, lab := range labs[1:] {
			if lab.DepartmentID != labs[0].DepartmentID {
				vErr.add("lab_ids", "all labs of one booking must belong to the same department")
				break
			}
		}
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}

	now := s.deps.Now()
	candidate := persistence.Booking{
		ID:              s.deps.IDGenerator(),
		RequesterID:     requester.ID,
		RequesterRole:   requester.Role,
		DepartmentID:    labs[0].DepartmentID,
		Date:            interval.Date,
		StartMinute:     interval.Start,
		EndMinute:       interval.End,
		Purpose:         purpose,
		Status:          approval.EntryStage(requester.Role),
		IsMultiResource: len(labs) > 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	keys := make([]string, 0, len(labs))
	for _, lab := range labs {
		candidate.Resources = append(candidate.Resources, persistence.BookingResource{
			BookingID: candidate.ID,
			LabID:     lab.ID,
			Status:    approval.SubPending,
		})
		keys = append(keys, labKey(lab.ID))
	}

	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		if err := tx.LockKeys(ctx, keys...); err != nil {
			return err
		}
		for _, lab := range labs {
			if err := s.ensureFree(ctx, tx, lab, interval, ""); err != nil {
				return err
			}
		}
		if err := tx.InsertBooking(ctx, candidate); err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		return s.deps.begin(ctx, tx, p).Record(ctx, activity.Record{
			EntityType:  activity.EntityBooking,
			EntityID:    candidate.ID,
			Action:      activity.ActionCreated,
			Description: fmt.Sprintf("booked %s on %s", strings.Join(candidate.LabIDs(), ", "), interval),
			Snapshot:    candidate,
		})
	})
	if err != nil {
		return
	}

	booking = candidate
	s.deps.Metrics.TransitionRecorded(activity.EntityBooking, activity.ActionCreated)
	s.deps.Dispatcher.send(ctx, s.deps.stageMessages("booking", booking.ID, "", booking.Status, bookingAudience(booking, requester, labs))...)
	return
}

// ensureFree returns a ConflictError when lab is held on interval by a live
// booking other than excludeID or by the timetable.
func (s *BookingService) ensureFree(ctx context.Context, q persistence.Queries, lab persistence.Lab, interval scheduler.Interval, excludeID string) error {
	slots, err := q.ListReservedSlots(ctx, lab.ID, interval.Date)
	if err != nil {
		return fmt.Errorf("list reservations for %s: %w", lab.ID, err)
	}
	timetable, err := q.ListTimetable(ctx, lab.ID)
	if err != nil {
		return fmt.Errorf("list timetable for %s: %w", lab.ID, err)
	}
	conflicts, err := s.deps.Detector.DetectConflicts(lab.ID, interval, reservationsFrom(slots), timetableFrom(timetable), excludeID)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		return nil
	}
	c := conflicts[0]
	with := scheduler.Busy{Type: c.Type, Start: c.Start, End: c.End}
	if c.Type == scheduler.ConflictTypeTimetable {
		for _, slot := range timetable {
			if slot.ID == c.WithID {
				with.Label = slot.Label
			}
		}
	}
	return &ConflictError{LabID: lab.ID, LabName: lab.Name, Date: interval.Date, With: with}
}

// Decide applies an approve or reject decision. On a multi-lab booking at the
// resource owner stage the decision lands on the actor's labs only and the
// parent moves once every lab has been decided.
func (s *BookingService) Decide(ctx context.Context, params DecideParams) (stage approval.Stage, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	p := params.Principal
	logger := s.loggerWith(ctx, "Decide",
		"principal_id", p.ID,
		"booking_id", params.RequestID,
		"lab_id", params.LabID,
		"action", params.Action,
	)
	defer func() {
		logOutcome(ctx, logger, err, "booking decided", "status", stage)
		s.deps.refused(ctx, activity.EntityBooking, params.RequestID, params.LabID, p, string(params.Action), err)
	}()

	if p.ID == "" {
		err = ErrUnauthorized
		return
	}
	if params.Action != approval.ActionApprove && params.Action != approval.ActionReject {
		err = validationFor("action", "must be approve or reject")
		return
	}
	decision := approval.Decision{Action: params.Action, Reason: params.Reason, Remarks: params.Remarks}

	current, err := s.deps.Store.GetBooking(ctx, params.RequestID)
	if err != nil {
		err = notFound(err, "booking")
		return
	}
	finalRole, err := s.deps.Policy.FinalAuthorityRoleFor(ctx, current.DepartmentID)
	if err != nil {
		return
	}

	var (
		from, to approval.Stage
		result   persistence.Booking
		aud      audience
	)
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		if err := tx.LockKeys(ctx, bookingKey(params.RequestID)); err != nil {
			return err
		}
		st, err := s.loadState(ctx, tx, params.RequestID)
		if err != nil {
			return err
		}
		aud = st.audience()
		from = st.booking.Status

		targets, err := st.decisionTargets(p, params.LabID)
		if err != nil {
			return err
		}
		parties := st.parties(finalRole, targets)
		held := approval.Resolve(p.approvalActor(), parties)
		out, err := transitionFor("booking", from, held, p.Role, decision, approval.Policy{MultiResource: st.booking.IsMultiResource})
		if err != nil {
			return err
		}

		t := s.deps.begin(ctx, tx, p)
		if out.Has(approval.EffectSubDecision) {
			err = s.applySubDecision(ctx, tx, t, st, targets, out, p, decision)
		} else {
			err = s.applyParentDecision(ctx, tx, t, st, out, p, decision)
		}
		if err != nil {
			return err
		}
		to = st.booking.Status
		result = st.booking
		aud = st.audience()
		return nil
	})
	if err != nil {
		return
	}

	stage = to
	s.deps.Metrics.TransitionRecorded(activity.EntityBooking, decisionAction(params.Action))
	s.deps.Dispatcher.send(ctx, s.deps.stageMessages("booking", result.ID, from, to, aud)...)
	return
}

// applySubDecision records the owner's verdict on each target lab, then runs
// the fan-in rule once for the parent.
func (s *BookingService) applySubDecision(ctx context.Context, tx persistence.Tx, t *activity.Transition, st *bookingState, targets []persistence.Lab, out approval.Outcome, p Principal, d approval.Decision) error {
	b := &st.booking
	at := s.deps.Now().UTC()
	status, action := approval.SubApproved, activity.ActionResourceApproved
	remarks := strings.TrimSpace(d.Remarks)
	if out.Action == approval.ActionReject {
		status, action = approval.SubRejected, activity.ActionResourceRejected
		remarks = strings.TrimSpace(d.Reason)
	}

	subs := b.SubApprovals()
	for _, lab := range targets {
		next, err := approval.Apply(subs, lab.ID, status)
		if err != nil {
			if errors.Is(err, approval.ErrSubResolved) {
				r, _ := b.Resource(lab.ID)
				return &InvalidStateError{Entity: "booking lab " + lab.ID, Stage: string(r.Status), Action: string(out.Action)}
			}
			return err
		}
		subs = next
		if err := st.setResource(ctx, tx, lab.ID, status, persistence.StageStamp{ApproverID: p.ID, At: &at, Remarks: remarks}); err != nil {
			return err
		}
		if err := t.Record(ctx, activity.Record{
			EntityType:  activity.EntityBooking,
			EntityID:    b.ID,
			ResourceID:  lab.ID,
			Action:      action,
			Description: fmt.Sprintf("%s %s for %s", action, lab.Name, b.ID),
			Snapshot:    *b,
		}); err != nil {
			return err
		}
	}
	return s.aggregate(ctx, tx, t, st, p, at)
}

// aggregate promotes or terminates the parent once the fan-in rule says so.
// The update is guarded on the stage read under lock, so a second run after
// resolution changes nothing and records nothing.
func (s *BookingService) aggregate(ctx context.Context, tx persistence.Tx, t *activity.Transition, st *bookingState, p Principal, at time.Time) error {
	b := &st.booking
	res := approval.Aggregate(b.Status, b.SubApprovals())
	if !res.Changed(b.Status) {
		return nil
	}
	prev := b.Status
	b.Status = res.Next
	b.UpdatedAt = at

	var (
		action      activity.Action
		description string
		credited    *activity.Actor
	)
	switch res.Next {
	case approval.StagePendingFinalAuthority:
		// The stage was passed by the last owner approval, which may precede
		// the withdrawal that completed the fan-in.
		stamp := lastApproval(b.Resources)
		if stamp.ApproverID == "" {
			return fmt.Errorf("booking %s: promoted without an approved lab", b.ID)
		}
		b.ResourceOwner = persistence.StageStamp{ApproverID: stamp.ApproverID, At: &at}
		if stamp.ApproverID != p.ID {
			approver, err := tx.GetUser(ctx, stamp.ApproverID)
			if err != nil {
				return fmt.Errorf("booking %s: load approver %s: %w", b.ID, stamp.ApproverID, err)
			}
			actor := PrincipalFromUser(approver).activityActor()
			credited = &actor
		}
		action = activity.ActionPromoted
		description = fmt.Sprintf("all labs decided; %s continue to the final authority", strings.Join(res.Survivors, ", "))
	case approval.StageRejected:
		b.Termination.RejectedAt = &at
		b.Termination.RejectedBy = p.ID
		b.Termination.RejectionReason = "no lab was approved"
		action = activity.ActionRejected
		description = "every lab was rejected or withdrawn"
	case approval.StageWithdrawn:
		b.Termination.WithdrawnAt = &at
		action = activity.ActionWithdrawn
		description = "every lab was withdrawn"
	default:
		return fmt.Errorf("booking %s: unexpected aggregate stage %s", b.ID, res.Next)
	}

	if err := tx.UpdateBooking(ctx, *b, prev); err != nil {
		return staleState(err, "booking", string(prev), string(action))
	}
	return t.Record(ctx, activity.Record{
		EntityType:  activity.EntityBooking,
		EntityID:    b.ID,
		Action:      action,
		Description: description,
		Snapshot:    *b,
		Actor:       credited,
	})
}

// lastApproval returns the most recent stamp among approved labs.
func lastApproval(resources []persistence.BookingResource) persistence.StageStamp {
	var latest persistence.StageStamp
	for _, r := range resources {
		if r.Status != approval.SubApproved || r.Stamp.At == nil {
			continue
		}
		if latest.At == nil || !r.Stamp.At.Before(*latest.At) {
			latest = r.Stamp
		}
	}
	return latest
}

// applyParentDecision moves the whole booking. A final decision on a
// multi-lab booking writes one entry per surviving lab.
func (s *BookingService) applyParentDecision(ctx context.Context, tx persistence.Tx, t *activity.Transition, st *bookingState, out approval.Outcome, p Principal, d approval.Decision) error {
	b := &st.booking
	at := s.deps.Now().UTC()
	prev := b.Status
	b.Status = out.To
	b.UpdatedAt = at
	st.stamps().apply(out, p.ID, d, at)

	touched, err := st.syncResources(ctx, tx, out.To)
	if err != nil {
		return err
	}
	if err := tx.UpdateBooking(ctx, *b, prev); err != nil {
		return staleState(err, "booking", string(prev), string(out.Action))
	}

	action := decisionAction(out.Action)
	if b.IsMultiResource && prev == approval.StagePendingFinalAuthority {
		for _, labID := range touched {
			if err := t.Record(ctx, activity.Record{
				EntityType:  activity.EntityBooking,
				EntityID:    b.ID,
				ResourceID:  labID,
				Action:      action,
				Description: fmt.Sprintf("final authority %s %s", action, labID),
				Snapshot:    *b,
			}); err != nil {
				return err
			}
		}
		return nil
	}

	resourceID := ""
	if !b.IsMultiResource && len(b.Resources) == 1 {
		resourceID = b.Resources[0].LabID
	}
	return t.Record(ctx, activity.Record{
		EntityType:  activity.EntityBooking,
		EntityID:    b.ID,
		ResourceID:  resourceID,
		Action:      action,
		Description: fmt.Sprintf("%s at %s", action, prev),
		Snapshot:    *b,
	})
}

// Withdraw cancels the booking, or one lab of a multi-lab booking when
// LabID is set. Only the requester may withdraw.
func (s *BookingService) Withdraw(ctx context.Context, params WithdrawParams) (stage approval.Stage, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	p := params.Principal
	logger := s.loggerWith(ctx, "Withdraw", "principal_id", p.ID, "booking_id", params.RequestID, "lab_id", params.LabID)
	defer func() {
		logOutcome(ctx, logger, err, "booking withdrawn", "status", stage)
		s.deps.refused(ctx, activity.EntityBooking, params.RequestID, params.LabID, p, string(approval.ActionWithdraw), err)
	}()

	if p.ID == "" {
		err = ErrUnauthorized
		return
	}
	current, err := s.deps.Store.GetBooking(ctx, params.RequestID)
	if err != nil {
		err = notFound(err, "booking")
		return
	}
	finalRole, err := s.deps.Policy.FinalAuthorityRoleFor(ctx, current.DepartmentID)
	if err != nil {
		return
	}

	var (
		from, to approval.Stage
		aud      audience
		id       = current.ID
	)
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		if err := tx.LockKeys(ctx, bookingKey(id)); err != nil {
			return err
		}
		st, err := s.loadState(ctx, tx, id)
		if err != nil {
			return err
		}
		aud = st.audience()
		from = st.booking.Status

		decision := approval.Decision{Action: approval.ActionWithdraw}
		held := approval.Resolve(p.approvalActor(), st.parties(finalRole, nil))
		out, err := transitionFor("booking", from, held, p.Role, decision, approval.Policy{MultiResource: st.booking.IsMultiResource})
		if err != nil {
			return err
		}

		if params.LabID != "" {
			r, ok := st.booking.Resource(params.LabID)
			if !ok {
				return validationFor("lab_id", fmt.Sprintf("lab %q is not part of this booking", params.LabID))
			}
			if !r.Status.Surviving() {
				return &InvalidStateError{Entity: "booking lab " + params.LabID, Stage: string(r.Status), Action: string(approval.ActionWithdraw)}
			}
		}

		t := s.deps.begin(ctx, tx, p)
		if params.LabID != "" && st.booking.IsMultiResource && st.survivingCount() > 1 {
			err = s.withdrawLab(ctx, tx, t, st, params.LabID, p)
		} else {
			err = s.applyParentDecision(ctx, tx, t, st, out, p, decision)
		}
		if err != nil {
			return err
		}
		to = st.booking.Status
		return nil
	})
	if err != nil {
		return
	}

	stage = to
	s.deps.Metrics.TransitionRecorded(activity.EntityBooking, activity.ActionWithdrawn)
	s.deps.Dispatcher.send(ctx, s.deps.stageMessages("booking", id, from, to, aud)...)
	return
}

func (s *BookingService) withdrawLab(ctx context.Context, tx persistence.Tx, t *activity.Transition, st *bookingState, labID string, p Principal) error {
	b := &st.booking
	if _, err := approval.Apply(b.SubApprovals(), labID, approval.SubWithdrawn); err != nil {
		if errors.Is(err, approval.ErrSubResolved) {
			r, _ := b.Resource(labID)
			return &InvalidStateError{Entity: "booking lab " + labID, Stage: string(r.Status), Action: string(approval.ActionWithdraw)}
		}
		return err
	}
	r, _ := b.Resource(labID)
	if err := st.setResource(ctx, tx, labID, approval.SubWithdrawn, r.Stamp); err != nil {
		return err
	}
	if err := t.Record(ctx, activity.Record{
		EntityType:  activity.EntityBooking,
		EntityID:    b.ID,
		ResourceID:  labID,
		Action:      activity.ActionResourceWithdrawn,
		Description: "requester withdrew " + labID,
		Snapshot:    *b,
	}); err != nil {
		return err
	}
	return s.aggregate(ctx, tx, t, st, p, s.deps.Now().UTC())
}

// GetBooking returns a booking visible to the principal: its requester, the
// people who may decide it and administrators.
func (s *BookingService) GetBooking(ctx context.Context, p Principal, id string) (persistence.Booking, error) {
	if s == nil {
		return persistence.Booking{}, fmt.Errorf("BookingService is nil")
	}
	if p.ID == "" {
		return persistence.Booking{}, ErrUnauthorized
	}
	b, err := s.deps.Store.GetBooking(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return s.projectBooking(ctx, p, id)
		}
		return persistence.Booking{}, fmt.Errorf("load booking: %w", err)
	}
	if err := s.ensureVisible(ctx, p, b); err != nil {
		return persistence.Booking{}, err
	}
	return b, nil
}

// projectBooking rebuilds a booking whose row is gone from its activity
// snapshots. Only administrators see such records.
func (s *BookingService) projectBooking(ctx context.Context, p Principal, id string) (persistence.Booking, error) {
	if !p.IsAdmin() {
		return persistence.Booking{}, fmt.Errorf("booking: %w", ErrNotFound)
	}
	history, err := s.deps.Store.EntityHistory(ctx, activity.EntityBooking, id)
	if err != nil {
		return persistence.Booking{}, fmt.Errorf("load booking history: %w", err)
	}
	b, err := activity.Project[persistence.Booking](history)
	if err != nil {
		if errors.Is(err, activity.ErrNoSnapshot) {
			return persistence.Booking{}, fmt.Errorf("booking: %w", ErrNotFound)
		}
		return persistence.Booking{}, err
	}
	return b, nil
}

func (s *BookingService) ensureVisible(ctx context.Context, p Principal, b persistence.Booking) error {
	if p.IsAdmin() || p.ID == b.RequesterID {
		return nil
	}
	st, err := s.loadState(ctx, s.deps.Store, b.ID)
	if err != nil {
		return err
	}
	finalRole, err := s.deps.Policy.FinalAuthorityRoleFor(ctx, b.DepartmentID)
	if err != nil {
		return err
	}
	if approval.Resolve(p.approvalActor(), st.parties(finalRole, st.labList())).Empty() {
		return fmt.Errorf("booking: %w", ErrNotFound)
	}
	return nil
}

// ListMine lists the principal's own bookings.
func (s *BookingService) ListMine(ctx context.Context, p Principal) ([]persistence.Booking, error) {
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	return s.deps.Store.ListBookings(ctx, persistence.BookingFilter{RequesterID: p.ID})
}

// Awaiting lists the bookings whose current stage the principal may approve.
func (s *BookingService) Awaiting(ctx context.Context, p Principal) ([]persistence.Booking, error) {
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	if p.IsAdmin() {
		return s.deps.Store.ListBookings(ctx, persistence.BookingFilter{Statuses: []approval.Stage{
			approval.StagePendingMentor, approval.StagePendingResourceOwner, approval.StagePendingFinalAuthority,
		}})
	}

	var out []persistence.Booking
	seen := map[string]struct{}{}
	collect := func(f persistence.BookingFilter) error {
		list, err := s.deps.Store.ListBookings(ctx, f)
		if err != nil {
			return err
		}
		for _, b := range list {
			if _, ok := seen[b.ID]; !ok {
				seen[b.ID] = struct{}{}
				out = append(out, b)
			}
		}
		return nil
	}

	if p.Role == approval.RoleFaculty {
		if err := collect(persistence.BookingFilter{Statuses: []approval.Stage{approval.StagePendingMentor}, MentorID: p.ID}); err != nil {
			return nil, err
		}
	}
	if err := collect(persistence.BookingFilter{Statuses: []approval.Stage{approval.StagePendingResourceOwner}, PendingOwnerID: p.ID}); err != nil {
		return nil, err
	}
	if p.Role.IsFinalAuthority() && p.DepartmentID != "" {
		role, err := s.deps.Policy.FinalAuthorityRoleFor(ctx, p.DepartmentID)
		if err != nil {
			return nil, err
		}
		if role == p.Role {
			if err := collect(persistence.BookingFilter{Statuses: []approval.Stage{approval.StagePendingFinalAuthority}, DepartmentID: p.DepartmentID}); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Availability lists the occupied spans of a lab on date without naming the
// bookings that hold them.
func (s *BookingService) Availability(ctx context.Context, p Principal, labID string, date time.Time) (Availability, error) {
	if p.ID == "" {
		return Availability{}, ErrUnauthorized
	}
	if date.IsZero() {
		return Availability{}, validationFor("date", "date is required")
	}
	date = scheduler.NormalizeDate(date)
	if _, err := s.deps.Store.GetLab(ctx, labID); err != nil {
		return Availability{}, notFound(err, "lab")
	}
	slots, err := s.deps.Store.ListReservedSlots(ctx, labID, date)
	if err != nil {
		return Availability{}, err
	}
	timetable, err := s.deps.Store.ListTimetable(ctx, labID)
	if err != nil {
		return Availability{}, err
	}
	busy, err := s.deps.Detector.BusyIntervals(labID, date, reservationsFrom(slots), timetableFrom(timetable))
	if err != nil {
		return Availability{}, err
	}
	return Availability{LabID: labID, Date: date, Busy: busy}, nil
}

// bookingState is a booking with the directory records its decisions need,
// loaded under the booking lock.
type bookingState struct {
	booking   persistence.Booking
	requester persistence.User
	labs      map[string]persistence.Lab
}

func (s *BookingService) loadState(ctx context.Context, q persistence.Queries, id string) (*bookingState, error) {
	b, err := q.GetBooking(ctx, id)
	if err != nil {
		return nil, notFound(err, "booking")
	}
	requester, err := q.GetUser(ctx, b.RequesterID)
	if err != nil {
		return nil, fmt.Errorf("load requester: %w", err)
	}
	st := &bookingState{booking: b, requester: requester, labs: make(map[string]persistence.Lab, len(b.Resources))}
	for _, r := range b.Resources {
		lab, err := q.GetLab(ctx, r.LabID)
		if err != nil {
			return nil, fmt.Errorf("load lab %s: %w", r.LabID, err)
		}
		st.labs[lab.ID] = lab
	}
	return st, nil
}

func (st *bookingState) labList() []persistence.Lab {
	out := make([]persistence.Lab, 0, len(st.booking.Resources))
	for _, r := range st.booking.Resources {
		out = append(out, st.labs[r.LabID])
	}
	return out
}

// decisionTargets picks the labs a resource owner decision applies to. Other
// stages and single-lab bookings decide the whole booking.
func (st *bookingState) decisionTargets(p Principal, labID string) ([]persistence.Lab, error) {
	b := st.booking
	if labID != "" {
		r, ok := b.Resource(labID)
		if !ok {
			return nil, validationFor("lab_id", fmt.Sprintf("lab %q is not part of this booking", labID))
		}
		if b.IsMultiResource && b.Status == approval.StagePendingResourceOwner && r.Status != approval.SubPending {
			return nil, &InvalidStateError{Entity: "booking lab " + labID, Stage: string(r.Status), Action: "decide"}
		}
		return []persistence.Lab{st.labs[labID]}, nil
	}
	if !b.IsMultiResource || b.Status != approval.StagePendingResourceOwner {
		return st.surviving(), nil
	}
	var out []persistence.Lab
	for _, r := range b.Resources {
		if r.Status != approval.SubPending {
			continue
		}
		lab := st.labs[r.LabID]
		if p.IsAdmin() || lab.OwnerID == p.ID {
			out = append(out, lab)
		}
	}
	return out, nil
}

func (st *bookingState) surviving() []persistence.Lab {
	var out []persistence.Lab
	for _, r := range st.booking.Resources {
		if r.Status.Surviving() {
			out = append(out, st.labs[r.LabID])
		}
	}
	return out
}

func (st *bookingState) survivingCount() int {
	return len(st.surviving())
}

func (st *bookingState) parties(finalRole approval.Role, owners []persistence.Lab) approval.Parties {
	p := approval.Parties{
		RequesterID:           st.booking.RequesterID,
		RequesterDepartmentID: st.requester.DepartmentID,
		MentorID:              valueOr(st.requester.MentorID),
		DepartmentID:          st.booking.DepartmentID,
		FinalAuthority:        finalRole,
	}
	for _, lab := range owners {
		p.OwnerIDs = append(p.OwnerIDs, lab.OwnerID)
	}
	return p
}

func (st *bookingState) audience() audience {
	a := audience{
		requesterID:   st.booking.RequesterID,
		requesterDept: st.requester.DepartmentID,
		mentorID:      valueOr(st.requester.MentorID),
		departmentID:  st.booking.DepartmentID,
	}
	for _, r := range st.booking.Resources {
		if r.Status == approval.SubPending {
			a.ownerIDs = append(a.ownerIDs, st.labs[r.LabID].OwnerID)
		}
	}
	return a
}

func (st *bookingState) stamps() stageStamps {
	b := &st.booking
	return stageStamps{mentor: &b.Mentor, owner: &b.ResourceOwner, final: &b.FinalAuthority, termination: &b.Termination}
}

// setResource moves one membership row, guarded on its current status.
func (st *bookingState) setResource(ctx context.Context, tx persistence.Tx, labID string, status approval.SubStatus, stamp persistence.StageStamp) error {
	for i, r := range st.booking.Resources {
		if r.LabID != labID {
			continue
		}
		prev := r.Status
		r.Status = status
		r.Stamp = stamp
		if err := tx.UpdateBookingResource(ctx, r, prev); err != nil {
			return staleState(err, "booking lab "+labID, string(prev), string(status))
		}
		st.booking.Resources[i] = r
		return nil
	}
	return fmt.Errorf("booking %s has no lab %s", st.booking.ID, labID)
}

// syncResources keeps surviving membership rows in step with a terminal
// parent and returns the labs it moved.
func (st *bookingState) syncResources(ctx context.Context, tx persistence.Tx, parent approval.Stage) ([]string, error) {
	status, ok := approval.SubStatusFor(parent)
	if !ok {
		return nil, nil
	}
	var touched []string
	for _, r := range st.booking.Resources {
		if !r.Status.Surviving() {
			continue
		}
		touched = append(touched, r.LabID)
		if r.Status == status {
			continue
		}
		if err := st.setResource(ctx, tx, r.LabID, status, r.Stamp); err != nil {
			return nil, err
		}
	}
	return touched, nil
}

func bookingAudience(b persistence.Booking, requester persistence.User, labs []persistence.Lab) audience {
	a := audience{
		requesterID:   b.RequesterID,
		requesterDept: requester.DepartmentID,
		mentorID:      valueOr(requester.MentorID),
		departmentID:  b.DepartmentID,
	}
	for _, lab := range labs {
		a.ownerIDs = append(a.ownerIDs, lab.OwnerID)
	}
	return a
}

func reservationsFrom(slots []persistence.ReservedSlot) []scheduler.Reservation {
	out := make([]scheduler.Reservation, 0, len(slots))
	for _, s := range slots {
		out = append(out, scheduler.Reservation{
			BookingID:  s.BookingID,
			ResourceID: s.LabID,
			Interval:   scheduler.Interval{Date: s.Date, Start: s.StartMinute, End: s.EndMinute},
		})
	}
	return out
}

func timetableFrom(slots []persistence.TimetableSlot) []scheduler.TimetableEntry {
	out := make([]scheduler.TimetableEntry, 0, len(slots))
	for _, s := range slots {
		out = append(out, scheduler.TimetableEntry{
			ID:         s.ID,
			ResourceID: s.LabID,
			Label:      s.Label,
			Weekday:    s.Weekday,
			Start:      s.StartMinute,
			End:        s.EndMinute,
			ValidFrom:  s.ValidFrom,
			ValidUntil: s.ValidUntil,
		})
	}
	return out
}
