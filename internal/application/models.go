package application

import (
	"time"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/scheduler"
)

// Principal represents the authenticated user invoking a service method.
type Principal struct {
	ID           string
	Role         approval.Role
	Email        string
	Name         string
	DepartmentID string
}

// IsAdmin reports whether the principal holds the administrator override.
func (p Principal) IsAdmin() bool {
	return p.Role == approval.RoleAdmin
}

func (p Principal) approvalActor() approval.Actor {
	return approval.Actor{ID: p.ID, Role: p.Role, DepartmentID: p.DepartmentID}
}

func (p Principal) activityActor() activity.Actor {
	return activity.Actor{ID: p.ID, Name: p.Name, Email: p.Email, Role: string(p.Role)}
}

// PrincipalFromUser builds the principal for a directory account.
func PrincipalFromUser(u persistence.User) Principal {
	return Principal{
		ID:           u.ID,
		Role:         u.Role,
		Email:        u.Email,
		Name:         u.DisplayName,
		DepartmentID: u.DepartmentID,
	}
}

// CreateReservationParams wraps the data required to book one or more labs.
type CreateReservationParams struct {
	Principal   Principal
	LabIDs      []string
	Date        time.Time
	StartMinute int
	EndMinute   int
	Purpose     string
}

// DecideParams carries an approve or reject decision. LabID narrows a
// resource owner decision on a multi-lab booking to one lab; when empty the
// decision covers every pending lab the actor owns.
type DecideParams struct {
	Principal Principal
	RequestID string
	LabID     string
	Action    approval.Action
	Reason    string
	Remarks   string
}

// WithdrawParams carries a requester withdrawal. LabID withdraws a single lab
// from a multi-lab booking and leaves the rest in place.
type WithdrawParams struct {
	Principal Principal
	RequestID string
	LabID     string
}

// CreateComponentRequestParams wraps the data required to request components.
type CreateComponentRequestParams struct {
	Principal  Principal
	Items      []persistence.RequestItem
	Purpose    string
	ReturnDate time.Time
}

// IssueParams hands the components of an approved request over. DueDate
// defaults to the requested return date.
type IssueParams struct {
	Principal Principal
	RequestID string
	DueDate   *time.Time
}

// DeclineIssueParams records that an approved request will not be handed over.
type DeclineIssueParams struct {
	Principal Principal
	RequestID string
	Reason    string
}

// LoanActionParams identifies a loan acted on by the principal.
type LoanActionParams struct {
	Principal Principal
	LoanID    string
}

// RequestExtensionParams asks for a later due date.
type RequestExtensionParams struct {
	Principal  Principal
	LoanID     string
	NewDueDate time.Time
	Reason     string
}

// DecideExtensionParams approves or rejects a pending extension.
type DecideExtensionParams struct {
	Principal Principal
	LoanID    string
	Approve   bool
	Remarks   string
}

// UndoParams names the activity entry whose transition should be reverted.
type UndoParams struct {
	Principal Principal
	EntryID   string
}

// Inbox lists what currently awaits the principal's decision.
type Inbox struct {
	Bookings          []persistence.Booking
	ComponentRequests []persistence.ComponentRequest
	Loans             []persistence.Loan
}

// Availability is the occupied spans of one lab on one date.
type Availability struct {
	LabID string
	Date  time.Time
	Busy  []scheduler.Busy
}

// OverdueLoan is an outstanding loan past its due date.
type OverdueLoan struct {
	Loan      persistence.Loan
	DelayDays int
}

// AuthenticateParams captures the data required to authenticate a user.
type AuthenticateParams struct {
	Email    string
	Password string
}

// AuthenticateResult captures the outcome of a successful authentication attempt.
type AuthenticateResult struct {
	User      persistence.User
	Token     string
	ExpiresAt time.Time
}
