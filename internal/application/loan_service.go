package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/ledger"
	"github.com/example/labreserve/internal/loan"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/scheduler"
)

// LoanService drives issued loans through return and extension.
type LoanService struct {
	deps Dependencies
}

// NewLoanService wires dependencies for loan operations.
func NewLoanService(deps Dependencies) *LoanService {
	return &LoanService{deps: deps.withDefaults()}
}

func (s *LoanService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.deps.Logger, "LoanService", operation, attrs...)
}

// loanParty is the standing an actor may hold on a loan.
type loanParty int

const (
	partyRequester loanParty = iota + 1
	partyOwner
)

// loanChange mutates a loan under lock. It returns the activity action, a
// description and the notification to send after commit.
type loanChange func(ctx context.Context, tx persistence.Tx, l *persistence.Loan, at time.Time) (activity.Action, string, *message, error)

// mutate loads the loan under its lock, checks the actor's standing, applies
// change and writes the loan guarded on both lifecycle axes.
func (s *LoanService) mutate(ctx context.Context, p Principal, loanID string, party loanParty, operation string, change loanChange) (updated persistence.Loan, err error) {
	logger := s.loggerWith(ctx, operation, "principal_id", p.ID, "loan_id", loanID)
	defer func() {
		logOutcome(ctx, logger, err, "loan updated", "status", updated.Status, "extension_status", updated.ExtensionStatus)
		s.deps.refused(ctx, activity.EntityLoan, loanID, "", p, operation, err)
	}()

	if p.ID == "" {
		err = ErrUnauthorized
		return
	}

	var (
		action activity.Action
		notify *message
	)
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		if err := tx.LockKeys(ctx, loanKey(loanID)); err != nil {
			return err
		}
		l, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return notFound(err, "loan")
		}
		lab, err := tx.GetLab(ctx, l.LabID)
		if err != nil {
			return fmt.Errorf("load lab %s: %w", l.LabID, err)
		}
		if err := authorizeLoan(p, l, lab, party); err != nil {
			return err
		}

		prevStatus, prevExt := l.Status, l.ExtensionStatus
		at := s.deps.Now().UTC()
		var description string
		action, description, notify, err = change(ctx, tx, &l, at)
		if err != nil {
			return err
		}
		l.UpdatedAt = at
		if err := tx.UpdateLoan(ctx, l, prevStatus, prevExt); err != nil {
			return staleState(err, "loan", string(prevStatus), operation)
		}
		if err := s.deps.begin(ctx, tx, p).Record(ctx, activity.Record{
			EntityType:  activity.EntityLoan,
			EntityID:    l.ID,
			ResourceID:  l.LabID,
			Action:      action,
			Description: description,
			Snapshot:    l,
		}); err != nil {
			return err
		}
		updated = l
		return nil
	})
	if err != nil {
		updated = persistence.Loan{}
		return
	}

	s.deps.Metrics.TransitionRecorded(activity.EntityLoan, action)
	if notify != nil {
		s.deps.Dispatcher.send(ctx, *notify)
	}
	return
}

func authorizeLoan(p Principal, l persistence.Loan, lab persistence.Lab, party loanParty) error {
	switch party {
	case partyRequester:
		if p.ID == l.RequesterID {
			return nil
		}
		return &AuthorizationError{Stage: string(l.Status), Role: p.Role, Reason: "only the borrower may do this"}
	case partyOwner:
		if p.ID == lab.OwnerID || p.IsAdmin() {
			return nil
		}
		return &AuthorizationError{Stage: string(l.Status), Role: p.Role, Reason: "only the lab owner may do this"}
	}
	return fmt.Errorf("unknown loan party %d", party)
}

func loanStateError(err error, l *persistence.Loan, action string) error {
	switch {
	case errors.Is(err, loan.ErrDueDateNotLater):
		return validationFor("due_date", err.Error())
	case errors.Is(err, loan.ErrInvalidTransition):
		stage := string(l.Status)
		if l.ExtensionStatus != loan.ExtensionNone {
			stage += "/extension_" + string(l.ExtensionStatus)
		}
		return &InvalidStateError{Entity: "loan", Stage: stage, Action: action}
	}
	return err
}

// RequestReturn records that the borrower is bringing the components back.
func (s *LoanService) RequestReturn(ctx context.Context, params LoanActionParams) (persistence.Loan, error) {
	if s == nil {
		return persistence.Loan{}, fmt.Errorf("LoanService is nil")
	}
	return s.mutate(ctx, params.Principal, params.LoanID, partyRequester, "RequestReturn",
		func(ctx context.Context, tx persistence.Tx, l *persistence.Loan, at time.Time) (activity.Action, string, *message, error) {
			next, err := loan.RequestReturn(l.State())
			if err != nil {
				return "", "", nil, loanStateError(err, l, "request return of")
			}
			l.Apply(next)
			l.ReturnRequestedAt = &at
			if err := s.syncRequest(ctx, tx, l); err != nil {
				return "", "", nil, err
			}
			return activity.ActionReturnRequested, "borrower requested return", s.ownerMessage(TemplateReturnRequested, l), nil
		})
}

// ApproveReturn closes the loan, returns the stock and records the delay
// against the due date.
func (s *LoanService) ApproveReturn(ctx context.Context, params LoanActionParams) (persistence.Loan, error) {
	if s == nil {
		return persistence.Loan{}, fmt.Errorf("LoanService is nil")
	}
	return s.mutate(ctx, params.Principal, params.LoanID, partyOwner, "ApproveReturn",
		func(ctx context.Context, tx persistence.Tx, l *persistence.Loan, at time.Time) (activity.Action, string, *message, error) {
			next, err := loan.ApproveReturn(l.State(), scheduler.DateOf(at, s.deps.Location))
			if err != nil {
				return "", "", nil, loanStateError(err, l, "approve return of")
			}
			if err := ledger.Return(ctx, tx, toLedgerItems(l.Items)); err != nil {
				return "", "", nil, err
			}
			l.Apply(next)
			l.ReturnedAt = &at
			l.ReturnApprovedBy = params.Principal.ID
			if err := s.syncRequest(ctx, tx, l); err != nil {
				return "", "", nil, err
			}
			desc := "returned on time"
			if l.DelayDays > 0 {
				desc = fmt.Sprintf("returned %d day(s) late", l.DelayDays)
			}
			return activity.ActionReturned, desc, &message{
				template:   TemplateLoanReturned,
				data:       map[string]any{"loan_id": l.ID, "delay_days": l.DelayDays},
				recipients: fixedRecipients(l.RequesterID),
			}, nil
		})
}

// RequestExtension asks the owner to move the due date.
func (s *LoanService) RequestExtension(ctx context.Context, params RequestExtensionParams) (persistence.Loan, error) {
	if s == nil {
		return persistence.Loan{}, fmt.Errorf("LoanService is nil")
	}
	if params.NewDueDate.IsZero() {
		return persistence.Loan{}, validationFor("due_date", "new due date is required")
	}
	return s.mutate(ctx, params.Principal, params.LoanID, partyRequester, "RequestExtension",
		func(ctx context.Context, tx persistence.Tx, l *persistence.Loan, at time.Time) (activity.Action, string, *message, error) {
			next, err := loan.RequestExtension(l.State(), params.NewDueDate)
			if err != nil {
				return "", "", nil, loanStateError(err, l, "extend")
			}
			l.Apply(next)
			l.ExtensionReason = strings.TrimSpace(params.Reason)
			l.ExtensionDecidedBy = ""
			l.ExtensionDecidedAt = nil
			desc := "extension to " + scheduler.FormatDate(*l.ExtensionDate) + " requested"
			return activity.ActionExtensionRequested, desc, s.ownerMessage(TemplateExtensionRequested, l), nil
		})
}

// DecideExtension approves or rejects a pending extension. Rejection leaves
// the due date where it was.
func (s *LoanService) DecideExtension(ctx context.Context, params DecideExtensionParams) (persistence.Loan, error) {
	if s == nil {
		return persistence.Loan{}, fmt.Errorf("LoanService is nil")
	}
	return s.mutate(ctx, params.Principal, params.LoanID, partyOwner, "DecideExtension",
		func(ctx context.Context, tx persistence.Tx, l *persistence.Loan, at time.Time) (activity.Action, string, *message, error) {
			next, err := loan.DecideExtension(l.State(), params.Approve)
			if err != nil {
				return "", "", nil, loanStateError(err, l, "decide extension of")
			}
			l.Apply(next)
			l.ExtensionDecidedBy = params.Principal.ID
			l.ExtensionDecidedAt = &at
			action, desc := activity.ActionExtensionRejected, "extension rejected"
			if params.Approve {
				action, desc = activity.ActionExtensionApproved, "due date moved to "+scheduler.FormatDate(l.DueDate)
			}
			if remarks := strings.TrimSpace(params.Remarks); remarks != "" {
				desc += ": " + remarks
			}
			return action, desc, &message{
				template:   TemplateExtensionDecided,
				data:       map[string]any{"loan_id": l.ID, "approved": params.Approve, "due_date": scheduler.FormatDate(l.DueDate)},
				recipients: fixedRecipients(l.RequesterID),
			}, nil
		})
}

// syncRequest mirrors return timestamps onto the component request.
func (s *LoanService) syncRequest(ctx context.Context, tx persistence.Tx, l *persistence.Loan) error {
	r, err := tx.GetComponentRequest(ctx, l.RequestID)
	if err != nil {
		return fmt.Errorf("load component request %s: %w", l.RequestID, err)
	}
	r.ReturnRequestedAt = l.ReturnRequestedAt
	r.ReturnedAt = l.ReturnedAt
	r.UpdatedAt = l.UpdatedAt
	if l.ReturnedAt != nil {
		r.UpdatedAt = *l.ReturnedAt
	}
	return tx.UpdateComponentRequest(ctx, r, r.Status)
}

func (s *LoanService) ownerMessage(template string, l *persistence.Loan) *message {
	labID, loanID := l.LabID, l.ID
	return &message{
		template: template,
		data:     map[string]any{"loan_id": loanID},
		recipients: func(ctx context.Context) ([]string, error) {
			lab, err := s.deps.Store.GetLab(ctx, labID)
			if err != nil {
				return nil, err
			}
			return []string{lab.OwnerID}, nil
		},
	}
}

// GetLoan returns a loan visible to its borrower, the lab owner or an
// administrator.
func (s *LoanService) GetLoan(ctx context.Context, p Principal, id string) (persistence.Loan, error) {
	if s == nil {
		return persistence.Loan{}, fmt.Errorf("LoanService is nil")
	}
	if p.ID == "" {
		return persistence.Loan{}, ErrUnauthorized
	}
	l, err := s.deps.Store.GetLoan(ctx, id)
	if err != nil {
		return persistence.Loan{}, notFound(err, "loan")
	}
	if p.IsAdmin() || p.ID == l.RequesterID {
		return l, nil
	}
	lab, err := s.deps.Store.GetLab(ctx, l.LabID)
	if err != nil {
		return persistence.Loan{}, fmt.Errorf("load lab: %w", err)
	}
	if lab.OwnerID != p.ID {
		return persistence.Loan{}, fmt.Errorf("loan: %w", ErrNotFound)
	}
	return l, nil
}

// ListMine lists the principal's loans.
func (s *LoanService) ListMine(ctx context.Context, p Principal) ([]persistence.Loan, error) {
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	return s.deps.Store.ListLoans(ctx, persistence.LoanFilter{RequesterID: p.ID})
}

// Awaiting lists loans of the principal's labs with a pending return or
// extension.
func (s *LoanService) Awaiting(ctx context.Context, p Principal) ([]persistence.Loan, error) {
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	f := persistence.LoanFilter{Statuses: []loan.Status{loan.StatusIssued, loan.StatusReturnRequested}}
	if !p.IsAdmin() {
		f.OwnerID = p.ID
	}
	list, err := s.deps.Store.ListLoans(ctx, f)
	if err != nil {
		return nil, err
	}
	var out []persistence.Loan
	for _, l := range list {
		if l.Status == loan.StatusReturnRequested || l.ExtensionStatus == loan.ExtensionPending {
			out = append(out, l)
		}
	}
	return out, nil
}

// ListOverdue lists outstanding loans whose due date is before asOf together
// with the delay they would carry if returned that day. Owners see their own
// labs, administrators every lab.
func (s *LoanService) ListOverdue(ctx context.Context, p Principal, asOf time.Time) ([]OverdueLoan, error) {
	if s == nil {
		return nil, fmt.Errorf("LoanService is nil")
	}
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	if asOf.IsZero() {
		asOf = s.deps.today()
	}
	asOf = scheduler.NormalizeDate(asOf)

	f := persistence.LoanFilter{
		Statuses:  []loan.Status{loan.StatusIssued, loan.StatusReturnRequested},
		DueBefore: &asOf,
	}
	if !p.IsAdmin() {
		f.OwnerID = p.ID
	}
	list, err := s.deps.Store.ListLoans(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]OverdueLoan, 0, len(list))
	for _, l := range list {
		if days := loan.DelayDays(l.DueDate, asOf); days > 0 {
			out = append(out, OverdueLoan{Loan: l, DelayDays: days})
		}
	}
	return out, nil
}
