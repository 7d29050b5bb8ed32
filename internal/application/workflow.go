package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/recurrence"
	"github.com/example/labreserve/internal/scheduler"
)

// Dependencies wires the collaborators shared by the workflow services.
type Dependencies struct {
	Store      persistence.Store
	Policy     PolicyResolver
	Detector   *scheduler.Detector
	Dispatcher *Dispatcher
	Metrics    Metrics
	// IDGenerator defaults to random UUIDs.
	IDGenerator func() string
	Now         func() time.Time
	// Location decides the civil date of "today" and of timetable slots.
	Location *time.Location
	Logger   *slog.Logger
	// RecordDenied appends refused decisions to the activity log.
	RecordDenied bool
	// UndoWindow bounds how old a decision may be when an administrator
	// reverts it.
	UndoWindow time.Duration
}

// DefaultUndoWindow applies when Dependencies.UndoWindow is unset.
const DefaultUndoWindow = 15 * time.Minute

func (d Dependencies) withDefaults() Dependencies {
	if d.IDGenerator == nil {
		d.IDGenerator = uuid.NewString
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	d.Logger = defaultLogger(d.Logger)
	if d.Metrics == nil {
		d.Metrics = noopMetrics{}
	}
	if d.Policy == nil && d.Store != nil {
		d.Policy = NewDirectoryPolicy(d.Store, time.Minute, d.Now)
	}
	if d.Detector == nil {
		d.Detector = scheduler.NewDetector(recurrence.NewEngine(d.Location))
	}
	if d.Dispatcher == nil {
		d.Dispatcher = NewDispatcher(nil, d.Metrics, d.Logger)
	}
	if d.UndoWindow <= 0 {
		d.UndoWindow = DefaultUndoWindow
	}
	return d
}

func (d Dependencies) today() time.Time {
	return scheduler.DateOf(d.Now(), d.Location)
}

func (d Dependencies) begin(ctx context.Context, tx persistence.Tx, p Principal) *activity.Transition {
	return activity.Begin(ctx, tx, p.activityActor(), d.IDGenerator, d.Now())
}

// refused counts a failed operation and, for authorization failures when
// configured, appends a denied entry in its own transaction. The entry
// carries no snapshot so projections skip it.
func (d Dependencies) refused(ctx context.Context, entity activity.EntityType, entityID, resourceID string, p Principal, action string, err error) {
	if err == nil {
		return
	}
	d.Metrics.Refused(entity, ErrorKind(err))

	var authz *AuthorizationError
	if !d.RecordDenied || !errors.As(err, &authz) || entityID == "" || d.Store == nil {
		return
	}
	werr := d.Store.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		return d.begin(ctx, tx, p).Record(ctx, activity.Record{
			EntityType:  entity,
			EntityID:    entityID,
			ResourceID:  resourceID,
			Action:      activity.ActionDenied,
			Description: action + ": " + authz.Reason,
		})
	})
	if werr != nil {
		d.Logger.WarnContext(ctx, "failed to record denied attempt", "entity_id", entityID, "error", werr)
	}
}

// transitionFor runs the approval table and converts its verdicts into the
// application error taxonomy.
func transitionFor(entity string, from approval.Stage, held approval.Capacities, role approval.Role, d approval.Decision, policy approval.Policy) (approval.Outcome, error) {
	out, err := approval.Transition(from, held, d, policy)
	if err == nil {
		return out, nil
	}
	var denied *approval.DeniedError
	switch {
	case errors.As(err, &denied):
		return out, &AuthorizationError{Stage: string(from), Role: role, Reason: denied.Reason}
	case errors.Is(err, approval.ErrTerminal):
		return out, &InvalidStateError{Entity: entity, Stage: string(from), Action: string(d.Action)}
	case errors.Is(err, approval.ErrReasonRequired):
		return out, validationFor("reason", "a reason is required to reject")
	case errors.Is(err, approval.ErrUnknownAction):
		return out, validationFor("action", "must be approve or reject")
	}
	return out, err
}

// stageStamps points at the stamp fields shared by bookings and component
// requests.
type stageStamps struct {
	mentor      *persistence.StageStamp
	owner       *persistence.StageStamp
	final       *persistence.StageStamp
	termination *persistence.Termination
}

func (s stageStamps) apply(out approval.Outcome, actorID string, d approval.Decision, at time.Time) {
	at = at.UTC()
	stamp := persistence.StageStamp{ApproverID: actorID, At: &at, Remarks: strings.TrimSpace(d.Remarks)}
	for _, e := range out.Effects {
		switch e {
		case approval.EffectStampMentor:
			*s.mentor = stamp
		case approval.EffectStampResourceOwner:
			*s.owner = stamp
		case approval.EffectStampFinalAuthority:
			*s.final = stamp
		case approval.EffectStampRejection:
			s.termination.RejectedAt = &at
			s.termination.RejectedBy = actorID
			s.termination.RejectionReason = strings.TrimSpace(d.Reason)
		case approval.EffectStampWithdrawal:
			s.termination.WithdrawnAt = &at
		}
	}
}

func (s stageStamps) restore(from stageStamps) {
	*s.mentor = *from.mentor
	*s.owner = *from.owner
	*s.final = *from.final
	*s.termination = *from.termination
}

func decisionAction(a approval.Action) activity.Action {
	switch a {
	case approval.ActionApprove:
		return activity.ActionApproved
	case approval.ActionReject:
		return activity.ActionRejected
	}
	return activity.ActionWithdrawn
}

func terminalTemplate(s approval.Stage) string {
	switch s {
	case approval.StageApproved:
		return TemplateRequestApproved
	case approval.StageRejected:
		return TemplateRequestRejected
	}
	return TemplateRequestWithdrawn
}

// audience is who stands around a request when picking notification
// recipients.
type audience struct {
	requesterID   string
	requesterDept string
	mentorID      string
	ownerIDs      []string
	departmentID  string
}

// approversAt resolves the users who decide stage. Mentor-less students are
// routed to every faculty member of their department.
func (d Dependencies) approversAt(stage approval.Stage, a audience) func(context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		switch stage {
		case approval.StagePendingMentor:
			if a.mentorID != "" {
				return []string{a.mentorID}, nil
			}
			return d.usersWithRole(ctx, a.requesterDept, approval.RoleFaculty, a.requesterID)
		case approval.StagePendingResourceOwner:
			return uniqueStrings(a.ownerIDs), nil
		case approval.StagePendingFinalAuthority:
			role, err := d.Policy.FinalAuthorityRoleFor(ctx, a.departmentID)
			if err != nil {
				return nil, err
			}
			return d.usersWithRole(ctx, a.departmentID, role, a.requesterID)
		}
		return nil, nil
	}
}

func (d Dependencies) usersWithRole(ctx context.Context, departmentID string, role approval.Role, exclude string) ([]string, error) {
	users, err := d.Store.ListUsersByRole(ctx, departmentID, role)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u.ID != exclude && !u.Disabled {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

// stageMessages builds the notifications that follow a parent moving from
// one stage to another.
func (d Dependencies) stageMessages(kind, id string, from, to approval.Stage, a audience) []message {
	data := map[string]any{"kind": kind, "id": id, "stage": string(to)}
	switch {
	case from == to:
		return nil
	case to.Pending():
		return []message{{template: TemplateAwaitingDecision, data: data, recipients: d.approversAt(to, a)}}
	case to == approval.StageWithdrawn:
		return []message{{template: TemplateRequestWithdrawn, data: data, recipients: d.approversAt(from, a)}}
	}
	return []message{{template: terminalTemplate(to), data: data, recipients: fixedRecipients(a.requesterID)}}
}

func labKey(id string) string              { return "lab:" + id }
func bookingKey(id string) string          { return "booking:" + id }
func componentRequestKey(id string) string { return "component_request:" + id }
func loanKey(id string) string             { return "loan:" + id }

// notFound translates a store miss into ErrNotFound and leaves other
// failures wrapped with context.
func notFound(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

// staleState maps a failed guard to InvalidStateError; the row moved under
// us after it was read.
func staleState(err error, entity, stage, action string) error {
	if errors.Is(err, persistence.ErrGuardFailed) {
		return &InvalidStateError{Entity: entity, Stage: stage, Action: action}
	}
	return err
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(v))
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

func valueOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
