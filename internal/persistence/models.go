package persistence

import (
	"time"

	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/loan"
)

// Department is an organisational unit that owns labs and names its final
// approver role.
type Department struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	FinalAuthorityRole approval.Role `json:"final_authority_role"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// User is a directory account.
type User struct {
	ID           string        `json:"id"`
	Email        string        `json:"email"`
	DisplayName  string        `json:"display_name"`
	Role         approval.Role `json:"role"`
	DepartmentID string        `json:"department_id"`
	MentorID     *string       `json:"mentor_id,omitempty"`
	PasswordHash string        `json:"-"`
	Disabled     bool          `json:"disabled"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Lab is a bookable room.
type Lab struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	DepartmentID string    `json:"department_id"`
	OwnerID      string    `json:"owner_id"`
	Capacity     int       `json:"capacity"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Component is a stocked part kept in a lab. QuantityAvailable stays within
// [0, QuantityTotal].
type Component struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	LabID             string    `json:"lab_id"`
	OwnerID           string    `json:"owner_id"`
	QuantityTotal     int       `json:"quantity_total"`
	QuantityAvailable int       `json:"quantity_available"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TimetableSlot is a fixed weekly occupation of a lab.
type TimetableSlot struct {
	ID          string       `json:"id"`
	LabID       string       `json:"lab_id"`
	Label       string       `json:"label"`
	Weekday     time.Weekday `json:"weekday"`
	StartMinute int          `json:"start_minute"`
	EndMinute   int          `json:"end_minute"`
	ValidFrom   time.Time    `json:"valid_from"`
	ValidUntil  *time.Time   `json:"valid_until,omitempty"`
}

// StageStamp records who passed a stage, when and with what remarks. A zero
// stamp means the stage was not traversed.
type StageStamp struct {
	ApproverID string     `json:"approver_id,omitempty"`
	At         *time.Time `json:"at,omitempty"`
	Remarks    string     `json:"remarks,omitempty"`
}

// Stamped reports whether the stage was passed.
func (s StageStamp) Stamped() bool {
	return s.ApproverID != "" && s.At != nil
}

// Termination carries the terminal flags shared by bookings and component
// requests.
type Termination struct {
	WithdrawnAt     *time.Time `json:"withdrawn_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

// Booking is a request to use one or more labs for an interval.
type Booking struct {
	ID            string         `json:"id"`
	RequesterID   string         `json:"requester_id"`
	RequesterRole approval.Role  `json:"requester_role"`
	DepartmentID  string         `json:"department_id"`
	Date          time.Time      `json:"date"`
	StartMinute   int            `json:"start_minute"`
	EndMinute     int            `json:"end_minute"`
	Purpose       string         `json:"purpose"`
	Status        approval.Stage `json:"status"`
	// IsMultiResource is set when the booking spans more than one lab; the
	// resource owner stage then fans out per lab.
	IsMultiResource bool              `json:"is_multi_resource"`
	Mentor          StageStamp        `json:"mentor"`
	ResourceOwner   StageStamp        `json:"resource_owner"`
	FinalAuthority  StageStamp        `json:"final_authority"`
	Termination     Termination       `json:"termination"`
	Resources       []BookingResource `json:"resources"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// LabIDs lists the booked labs in membership order.
func (b Booking) LabIDs() []string {
	ids := make([]string, len(b.Resources))
	for i, r := range b.Resources {
		ids[i] = r.LabID
	}
	return ids
}

// Resource returns the membership row for labID.
func (b Booking) Resource(labID string) (BookingResource, bool) {
	for _, r := range b.Resources {
		if r.LabID == labID {
			return r, true
		}
	}
	return BookingResource{}, false
}

// SubApprovals projects the membership rows for the aggregator.
func (b Booking) SubApprovals() []approval.SubApproval {
	out := make([]approval.SubApproval, len(b.Resources))
	for i, r := range b.Resources {
		out[i] = approval.SubApproval{ResourceID: r.LabID, Status: r.Status}
	}
	return out
}

// BookingResource is the membership of one lab in a booking and, for
// multi-lab bookings, that lab's own approval state.
type BookingResource struct {
	BookingID string             `json:"booking_id"`
	LabID     string             `json:"lab_id"`
	Status    approval.SubStatus `json:"status"`
	Stamp     StageStamp         `json:"stamp"`
}

// RequestItem is one line of a component request.
type RequestItem struct {
	ComponentID string `json:"component_id"`
	Quantity    int    `json:"quantity"`
}

// ComponentRequest asks for stock from one lab.
type ComponentRequest struct {
	ID                string         `json:"id"`
	RequesterID       string         `json:"requester_id"`
	InitiatorRole     approval.Role  `json:"initiator_role"`
	DepartmentID      string         `json:"department_id"`
	LabID             string         `json:"lab_id"`
	Items             []RequestItem  `json:"items"`
	Purpose           string         `json:"purpose"`
	ReturnDate        time.Time      `json:"return_date"`
	Status            approval.Stage `json:"status"`
	Mentor            StageStamp     `json:"mentor"`
	ResourceOwner     StageStamp     `json:"resource_owner"`
	FinalAuthority    StageStamp     `json:"final_authority"`
	Termination       Termination    `json:"termination"`
	IssuedAt          *time.Time     `json:"issued_at,omitempty"`
	ReturnRequestedAt *time.Time     `json:"return_requested_at,omitempty"`
	ReturnedAt        *time.Time     `json:"returned_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Loan tracks components handed over for an approved request.
type Loan struct {
	ID                 string               `json:"id"`
	RequestID          string               `json:"request_id"`
	RequesterID        string               `json:"requester_id"`
	LabID              string               `json:"lab_id"`
	Items              []RequestItem        `json:"items"`
	Status             loan.Status          `json:"status"`
	DueDate            time.Time            `json:"due_date"`
	IssuedBy           string               `json:"issued_by,omitempty"`
	IssuedAt           *time.Time           `json:"issued_at,omitempty"`
	ExtensionStatus    loan.ExtensionStatus `json:"extension_status"`
	ExtensionDate      *time.Time           `json:"extension_date,omitempty"`
	ExtensionReason    string               `json:"extension_reason,omitempty"`
	ExtensionDecidedBy string               `json:"extension_decided_by,omitempty"`
	ExtensionDecidedAt *time.Time           `json:"extension_decided_at,omitempty"`
	ReturnRequestedAt  *time.Time           `json:"return_requested_at,omitempty"`
	ReturnedAt         *time.Time           `json:"returned_at,omitempty"`
	ReturnApprovedBy   string               `json:"return_approved_by,omitempty"`
	DelayDays          int                  `json:"delay_days"`
	DeclineReason      string               `json:"decline_reason,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// State projects the loan onto the lifecycle machine.
func (l Loan) State() loan.State {
	return loan.State{
		Status:           l.Status,
		Extension:        l.ExtensionStatus,
		DueDate:          l.DueDate,
		RequestedDueDate: l.ExtensionDate,
		DelayDays:        l.DelayDays,
	}
}

// Apply copies a lifecycle state back onto the loan.
func (l *Loan) Apply(s loan.State) {
	l.Status = s.Status
	l.ExtensionStatus = s.Extension
	l.DueDate = s.DueDate
	l.ExtensionDate = s.RequestedDueDate
	l.DelayDays = s.DelayDays
}

// ReservedSlot is a live booking's hold on one lab.
type ReservedSlot struct {
	BookingID   string
	LabID       string
	Date        time.Time
	StartMinute int
	EndMinute   int
}
