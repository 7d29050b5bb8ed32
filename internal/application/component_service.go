package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/ledger"
	"github.com/example/labreserve/internal/loan"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/scheduler"
)

// ComponentService runs component requests through the approval chain and
// hands approved requests over as loans.
type ComponentService struct {
	deps Dependencies
}

// NewComponentService wires dependencies for component operations.
func NewComponentService(deps Dependencies) *ComponentService {
	return &ComponentService{deps: deps.withDefaults()}
}

func (s *ComponentService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.deps.Logger, "ComponentService", operation, attrs...)
}

// CreateComponentRequest checks current stock for every line and stores the
// request. Stock is not held; issuance re-checks it with guarded updates.
func (s *ComponentService) CreateComponentRequest(ctx context.Context, params CreateComponentRequestParams) (request persistence.ComponentRequest, err error) {
	if s == nil {
		err = fmt.Errorf("ComponentService is nil")
		return
	}
	if s.deps.Store == nil {
		err = fmt.Errorf("store not configured")
		return
	}

	p := params.Principal
	logger := s.loggerWith(ctx, "CreateComponentRequest", "principal_id", p.ID, "items", len(params.Items))
	defer func() {
		logOutcome(ctx, logger, err, "component request created", "request_id", request.ID, "status", request.Status)
		if err != nil {
			s.deps.Metrics.Refused(activity.EntityComponentRequest, ErrorKind(err))
		}
	}()

	if p.ID == "" {
		err = ErrUnauthorized
		return
	}

	vErr := &ValidationError{}
	items, nerr := ledger.Normalize(toLedgerItems(params.Items))
	if nerr != nil {
		vErr.add("items", nerr.Error())
	}
	returnDate := scheduler.NormalizeDate(params.ReturnDate)
	switch {
	case params.ReturnDate.IsZero():
		vErr.add("return_date", "return date is required")
	case returnDate.Before(s.deps.today()):
		vErr.add("return_date", "return date must not be in the past")
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

	var lab persistence.Lab
	for _, it := range items {
		c, cerr := s.deps.Store.GetComponent(ctx, it.ComponentID)
		if cerr != nil {
			if errors.Is(cerr, persistence.ErrNotFound) {
				vErr.add("items", fmt.Sprintf("unknown component %q", it.ComponentID))
				continue
			}
			err = fmt.Errorf("load component %s: %w", it.ComponentID, cerr)
			return
		}
		switch {
		case lab.ID == "":
			lab.ID = c.LabID
		case lab.ID != c.LabID:
			vErr.add("items", "all components of one request must come from the same lab")
		}
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}
	lab, err = s.deps.Store.GetLab(ctx, lab.ID)
	if err != nil {
		err = notFound(err, "lab")
		return
	}

	now := s.deps.Now()
	candidate := persistence.ComponentRequest{
		ID:            s.deps.IDGenerator(),
		RequesterID:   requester.ID,
		InitiatorRole: requester.Role,
		DepartmentID:  lab.DepartmentID,
		LabID:         lab.ID,
		Items:         fromLedgerItems(items),
		Purpose:       purpose,
		ReturnDate:    returnDate,
		Status:        approval.EntryStage(requester.Role),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		if err := ledger.ReserveCheck(ctx, tx, items); err != nil {
			return stockError(err)
		}
		if err := tx.InsertComponentRequest(ctx, candidate); err != nil {
			return fmt.Errorf("insert component request: %w", err)
		}
		return s.deps.begin(ctx, tx, p).Record(ctx, activity.Record{
			EntityType:  activity.EntityComponentRequest,
			EntityID:    candidate.ID,
			ResourceID:  lab.ID,
			Action:      activity.ActionCreated,
			Description: fmt.Sprintf("requested %d component lines from %s", len(items), lab.Name),
			Snapshot:    candidate,
		})
	})
	if err != nil {
		return
	}

	request = candidate
	s.deps.Metrics.TransitionRecorded(activity.EntityComponentRequest, activity.ActionCreated)
	s.deps.Dispatcher.send(ctx, s.deps.stageMessages("component_request", request.ID, "", request.Status, requestAudience(request, requester, lab))...)
	return
}

// Decide applies an approve or reject decision to a component request.
func (s *ComponentService) Decide(ctx context.Context, params DecideParams) (stage approval.Stage, err error) {
	if s == nil {
		err = fmt.Errorf("ComponentService is nil")
		return
	}
	p := params.Principal
	logger := s.loggerWith(ctx, "Decide", "principal_id", p.ID, "request_id", params.RequestID, "action", params.Action)
	defer func() {
		logOutcome(ctx, logger, err, "component request decided", "status", stage)
		s.deps.refused(ctx, activity.EntityComponentRequest, params.RequestID, "", p, string(params.Action), err)
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
	return s.transition(ctx, p, params.RequestID, decision)
}

// Withdraw cancels a component request on behalf of its requester.
func (s *ComponentService) Withdraw(ctx context.Context, params WithdrawParams) (stage approval.Stage, err error) {
	if s == nil {
		err = fmt.Errorf("ComponentService is nil")
		return
	}
	p := params.Principal
	logger := s.loggerWith(ctx, "Withdraw", "principal_id", p.ID, "request_id", params.RequestID)
	defer func() {
		logOutcome(ctx, logger, err, "component request withdrawn", "status", stage)
		s.deps.refused(ctx, activity.EntityComponentRequest, params.RequestID, "", p, string(approval.ActionWithdraw), err)
	}()

	if p.ID == "" {
		err = ErrUnauthorized
		return
	}
	return s.transition(ctx, p, params.RequestID, approval.Decision{Action: approval.ActionWithdraw})
}

func (s *ComponentService) transition(ctx context.Context, p Principal, id string, d approval.Decision) (approval.Stage, error) {
	current, err := s.deps.Store.GetComponentRequest(ctx, id)
	if err != nil {
		return "", notFound(err, "component request")
	}
	finalRole, err := s.deps.Policy.FinalAuthorityRoleFor(ctx, current.DepartmentID)
	if err != nil {
		return "", err
	}

	var (
		from, to approval.Stage
		aud      audience
	)
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		if err := tx.LockKeys(ctx, componentRequestKey(id)); err != nil {
			return err
		}
		st, err := loadRequestState(ctx, tx, id)
		if err != nil {
			return err
		}
		r := &st.request
		from = r.Status
		aud = st.audience()

		held := approval.Resolve(p.approvalActor(), st.parties(finalRole))
		out, err := transitionFor("component request", from, held, p.Role, d, approval.Policy{})
		if err != nil {
			return err
		}

		at := s.deps.Now().UTC()
		r.Status = out.To
		r.UpdatedAt = at
		st.stamps().apply(out, p.ID, d, at)
		if err := tx.UpdateComponentRequest(ctx, *r, from); err != nil {
			return staleState(err, "component request", string(from), string(d.Action))
		}
		to = r.Status
		action := decisionAction(d.Action)
		return s.deps.begin(ctx, tx, p).Record(ctx, activity.Record{
			EntityType:  activity.EntityComponentRequest,
			EntityID:    r.ID,
			ResourceID:  r.LabID,
			Action:      action,
			Description: fmt.Sprintf("%s at %s", action, from),
			Snapshot:    *r,
		})
	})
	if err != nil {
		return "", err
	}

	s.deps.Metrics.TransitionRecorded(activity.EntityComponentRequest, decisionAction(d.Action))
	s.deps.Dispatcher.send(ctx, s.deps.stageMessages("component_request", id, from, to, aud)...)
	return to, nil
}

// Issue hands the components of an approved request over. Every line is
// decremented with a guarded update; the first line that cannot be covered
// rolls the whole issuance back.
func (s *ComponentService) Issue(ctx context.Context, params IssueParams) (issued persistence.Loan, err error) {
	if s == nil {
		err = fmt.Errorf("ComponentService is nil")
		return
	}
	p := params.Principal
	logger := s.loggerWith(ctx, "Issue", "principal_id", p.ID, "request_id", params.RequestID)
	defer func() {
		logOutcome(ctx, logger, err, "components issued", "loan_id", issued.ID)
		s.deps.refused(ctx, activity.EntityComponentRequest, params.RequestID, "", p, "issue", err)
	}()

	if p.ID == "" {
		err = ErrUnauthorized
		return
	}

	var requesterID string
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		if err := tx.LockKeys(ctx, componentRequestKey(params.RequestID)); err != nil {
			return err
		}
		st, err := loadRequestState(ctx, tx, params.RequestID)
		if err != nil {
			return err
		}
		r := &st.request
		if err := st.ensureHandOver(p, "issue"); err != nil {
			return err
		}

		due := r.ReturnDate
		if params.DueDate != nil {
			due = scheduler.NormalizeDate(*params.DueDate)
			if due.Before(s.deps.today()) {
				return validationFor("due_date", "due date must not be in the past")
			}
		}

		at := s.deps.Now().UTC()
		if err := tx.MarkIssued(ctx, r.ID, at); err != nil {
			return staleState(err, "component request", string(r.Status), "issue")
		}
		if err := ledger.Issue(ctx, tx, toLedgerItems(r.Items)); err != nil {
			return stockError(err)
		}
		r.IssuedAt = &at
		r.UpdatedAt = at

		l := persistence.Loan{
			ID:          s.deps.IDGenerator(),
			RequestID:   r.ID,
			RequesterID: r.RequesterID,
			LabID:       r.LabID,
			Items:       r.Items,
			IssuedBy:    p.ID,
			IssuedAt:    &at,
			CreatedAt:   at,
			UpdatedAt:   at,
		}
		l.Apply(loan.New(due))
		if err := tx.InsertLoan(ctx, l); err != nil {
			if errors.Is(err, persistence.ErrDuplicate) {
				return &InvalidStateError{Entity: "component request", Stage: "issued", Action: "issue"}
			}
			return fmt.Errorf("insert loan: %w", err)
		}

		t := s.deps.begin(ctx, tx, p)
		if err := t.Record(ctx, activity.Record{
			EntityType:  activity.EntityComponentRequest,
			EntityID:    r.ID,
			ResourceID:  r.LabID,
			Action:      activity.ActionIssued,
			Description: "components handed over as loan " + l.ID,
			Snapshot:    *r,
		}); err != nil {
			return err
		}
		if err := t.Record(ctx, activity.Record{
			EntityType:  activity.EntityLoan,
			EntityID:    l.ID,
			ResourceID:  l.LabID,
			Action:      activity.ActionIssued,
			Description: "due " + scheduler.FormatDate(l.DueDate),
			Snapshot:    l,
		}); err != nil {
			return err
		}
		issued = l
		requesterID = r.RequesterID
		return nil
	})
	if err != nil {
		issued = persistence.Loan{}
		return
	}

	s.deps.Metrics.TransitionRecorded(activity.EntityLoan, activity.ActionIssued)
	s.deps.Dispatcher.send(ctx, message{
		template:   TemplateLoanIssued,
		data:       map[string]any{"loan_id": issued.ID, "due_date": scheduler.FormatDate(issued.DueDate)},
		recipients: fixedRecipients(requesterID),
	})
	return
}

// DeclineIssue records that the owner will not hand an approved request over.
// The loan is created in the rejected state and no stock moves.
func (s *ComponentService) DeclineIssue(ctx context.Context, params DeclineIssueParams) (declined persistence.Loan, err error) {
	if s == nil {
		err = fmt.Errorf("ComponentService is nil")
		return
	}
	p := params.Principal
	logger := s.loggerWith(ctx, "DeclineIssue", "principal_id", p.ID, "request_id", params.RequestID)
	defer func() {
		logOutcome(ctx, logger, err, "issuance declined", "loan_id", declined.ID)
		s.deps.refused(ctx, activity.EntityComponentRequest, params.RequestID, "", p, "decline", err)
	}()

	if p.ID == "" {
		err = ErrUnauthorized
		return
	}
	reason := strings.TrimSpace(params.Reason)
	if reason == "" {
		err = validationFor("reason", "a reason is required to decline")
		return
	}

	var requesterID string
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		if err := tx.LockKeys(ctx, componentRequestKey(params.RequestID)); err != nil {
			return err
		}
		st, err := loadRequestState(ctx, tx, params.RequestID)
		if err != nil {
			return err
		}
		r := st.request
		if err := st.ensureHandOver(p, "decline"); err != nil {
			return err
		}
		if _, err := tx.GetLoanByRequest(ctx, r.ID); err == nil {
			return &InvalidStateError{Entity: "component request", Stage: "declined", Action: "decline"}
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return err
		}

		at := s.deps.Now().UTC()
		l := persistence.Loan{
			ID:              s.deps.IDGenerator(),
			RequestID:       r.ID,
			RequesterID:     r.RequesterID,
			LabID:           r.LabID,
			Items:           r.Items,
			Status:          loan.StatusRejected,
			DueDate:         r.ReturnDate,
			ExtensionStatus: loan.ExtensionNone,
			DeclineReason:   reason,
			IssuedBy:        p.ID,
			CreatedAt:       at,
			UpdatedAt:       at,
		}
		if err := tx.InsertLoan(ctx, l); err != nil {
			return fmt.Errorf("insert loan: %w", err)
		}
		t := s.deps.begin(ctx, tx, p)
		if err := t.Record(ctx, activity.Record{
			EntityType:  activity.EntityComponentRequest,
			EntityID:    r.ID,
			ResourceID:  r.LabID,
			Action:      activity.ActionIssueDeclined,
			Description: reason,
			Snapshot:    r,
		}); err != nil {
			return err
		}
		if err := t.Record(ctx, activity.Record{
			EntityType:  activity.EntityLoan,
			EntityID:    l.ID,
			ResourceID:  l.LabID,
			Action:      activity.ActionIssueDeclined,
			Description: reason,
			Snapshot:    l,
		}); err != nil {
			return err
		}
		declined = l
		requesterID = r.RequesterID
		return nil
	})
	if err != nil {
		declined = persistence.Loan{}
		return
	}

	s.deps.Metrics.TransitionRecorded(activity.EntityLoan, activity.ActionIssueDeclined)
	s.deps.Dispatcher.send(ctx, message{
		template:   TemplateLoanDeclined,
		data:       map[string]any{"request_id": params.RequestID, "reason": reason},
		recipients: fixedRecipients(requesterID),
	})
	return
}

// GetComponentRequest returns a request visible to the principal.
func (s *ComponentService) GetComponentRequest(ctx context.Context, p Principal, id string) (persistence.ComponentRequest, error) {
	if s == nil {
		return persistence.ComponentRequest{}, fmt.Errorf("ComponentService is nil")
	}
	if p.ID == "" {
		return persistence.ComponentRequest{}, ErrUnauthorized
	}
	st, err := loadRequestState(ctx, s.deps.Store, id)
	if err != nil {
		return persistence.ComponentRequest{}, err
	}
	if p.IsAdmin() || p.ID == st.request.RequesterID {
		return st.request, nil
	}
	finalRole, err := s.deps.Policy.FinalAuthorityRoleFor(ctx, st.request.DepartmentID)
	if err != nil {
		return persistence.ComponentRequest{}, err
	}
	if approval.Resolve(p.approvalActor(), st.parties(finalRole)).Empty() {
		return persistence.ComponentRequest{}, fmt.Errorf("component request: %w", ErrNotFound)
	}
	return st.request, nil
}

// ListMine lists the principal's own component requests.
func (s *ComponentService) ListMine(ctx context.Context, p Principal) ([]persistence.ComponentRequest, error) {
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	return s.deps.Store.ListComponentRequests(ctx, persistence.ComponentRequestFilter{RequesterID: p.ID})
}

// Awaiting lists the requests the principal may act on now: pending stages
// they may approve and approved requests waiting to be handed over.
func (s *ComponentService) Awaiting(ctx context.Context, p Principal) ([]persistence.ComponentRequest, error) {
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	if p.IsAdmin() {
		return s.deps.Store.ListComponentRequests(ctx, persistence.ComponentRequestFilter{Statuses: []approval.Stage{
			approval.StagePendingMentor, approval.StagePendingResourceOwner, approval.StagePendingFinalAuthority,
		}})
	}

	var out []persistence.ComponentRequest
	seen := map[string]struct{}{}
	collect := func(f persistence.ComponentRequestFilter, keep func(persistence.ComponentRequest) bool) error {
		list, err := s.deps.Store.ListComponentRequests(ctx, f)
		if err != nil {
			return err
		}
		for _, r := range list {
			if _, ok := seen[r.ID]; ok || (keep != nil && !keep(r)) {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
		return nil
	}

	if p.Role == approval.RoleFaculty {
		if err := collect(persistence.ComponentRequestFilter{Statuses: []approval.Stage{approval.StagePendingMentor}, MentorID: p.ID}, nil); err != nil {
			return nil, err
		}
	}
	if err := collect(persistence.ComponentRequestFilter{Statuses: []approval.Stage{approval.StagePendingResourceOwner}, OwnerID: p.ID}, nil); err != nil {
		return nil, err
	}
	if err := collect(persistence.ComponentRequestFilter{Statuses: []approval.Stage{approval.StageApproved}, OwnerID: p.ID},
		func(r persistence.ComponentRequest) bool { return r.IssuedAt == nil }); err != nil {
		return nil, err
	}
	if p.Role.IsFinalAuthority() && p.DepartmentID != "" {
		role, err := s.deps.Policy.FinalAuthorityRoleFor(ctx, p.DepartmentID)
		if err != nil {
			return nil, err
		}
		if role == p.Role {
			if err := collect(persistence.ComponentRequestFilter{Statuses: []approval.Stage{approval.StagePendingFinalAuthority}, DepartmentID: p.DepartmentID}, nil); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// requestState is a component request with the directory records its
// decisions need.
type requestState struct {
	request   persistence.ComponentRequest
	requester persistence.User
	lab       persistence.Lab
}

func loadRequestState(ctx context.Context, q persistence.Queries, id string) (*requestState, error) {
	r, err := q.GetComponentRequest(ctx, id)
	if err != nil {
		return nil, notFound(err, "component request")
	}
	requester, err := q.GetUser(ctx, r.RequesterID)
	if err != nil {
		return nil, fmt.Errorf("load requester: %w", err)
	}
	lab, err := q.GetLab(ctx, r.LabID)
	if err != nil {
		return nil, fmt.Errorf("load lab %s: %w", r.LabID, err)
	}
	return &requestState{request: r, requester: requester, lab: lab}, nil
}

func (st *requestState) parties(finalRole approval.Role) approval.Parties {
	return approval.Parties{
		RequesterID:           st.request.RequesterID,
		RequesterDepartmentID: st.requester.DepartmentID,
		MentorID:              valueOr(st.requester.MentorID),
		OwnerIDs:              []string{st.lab.OwnerID},
		DepartmentID:          st.request.DepartmentID,
		FinalAuthority:        finalRole,
	}
}

func (st *requestState) audience() audience {
	return requestAudience(st.request, st.requester, st.lab)
}

func (st *requestState) stamps() stageStamps {
	r := &st.request
	return stageStamps{mentor: &r.Mentor, owner: &r.ResourceOwner, final: &r.FinalAuthority, termination: &r.Termination}
}

// ensureHandOver checks that p may issue or decline the request now.
func (st *requestState) ensureHandOver(p Principal, action string) error {
	r := st.request
	if !p.IsAdmin() && p.ID != st.lab.OwnerID {
		return &AuthorizationError{Stage: string(r.Status), Role: p.Role, Reason: "only the lab owner hands components over"}
	}
	if r.Status != approval.StageApproved {
		return &InvalidStateError{Entity: "component request", Stage: string(r.Status), Action: action}
	}
	if r.IssuedAt != nil {
		return &InvalidStateError{Entity: "component request", Stage: "issued", Action: action}
	}
	return nil
}

func requestAudience(r persistence.ComponentRequest, requester persistence.User, lab persistence.Lab) audience {
	return audience{
		requesterID:   r.RequesterID,
		requesterDept: requester.DepartmentID,
		mentorID:      valueOr(requester.MentorID),
		ownerIDs:      []string{lab.OwnerID},
		departmentID:  r.DepartmentID,
	}
}

func stockError(err error) error {
	var short *ledger.InsufficientError
	if errors.As(err, &short) {
		return &InsufficientStockError{
			ComponentID:   short.ComponentID,
			ComponentName: short.Name,
			Requested:     short.Requested,
			Available:     short.Available,
		}
	}
	return err
}

func toLedgerItems(items []persistence.RequestItem) []ledger.Item {
	out := make([]ledger.Item, len(items))
	for i, it := range items {
		out[i] = ledger.Item{ComponentID: it.ComponentID, Quantity: it.Quantity}
	}
	return out
}

func fromLedgerItems(items []ledger.Item) []persistence.RequestItem {
	out := make([]persistence.RequestItem, len(items))
	for i, it := range items {
		out[i] = persistence.RequestItem{ComponentID: it.ComponentID, Quantity: it.Quantity}
	}
	return out
}
