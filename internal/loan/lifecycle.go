// Package loan models what happens to components after they leave the lab:
// the return flow and the independent due-date extension flow.
package loan

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/labreserve/internal/scheduler"
)

// Status is the return axis of a loan.
type Status string

const (
	StatusIssued          Status = "issued"
	StatusReturnRequested Status = "return_requested"
	StatusReturned        Status = "returned"
	// StatusRejected records an approved request whose owner declined to hand
	// the components over. No stock moved.
	StatusRejected Status = "rejected"
)

// Outstanding reports whether the components are still with the requester.
func (s Status) Outstanding() bool {
	return s == StatusIssued || s == StatusReturnRequested
}

// ExtensionStatus is the extension axis of a loan.
type ExtensionStatus string

const (
	ExtensionNone     ExtensionStatus = "none"
	ExtensionPending  ExtensionStatus = "pending"
	ExtensionApproved ExtensionStatus = "approved"
	ExtensionRejected ExtensionStatus = "rejected"
)

var (
	// ErrInvalidTransition is returned for an action illegal in the current state.
	ErrInvalidTransition = errors.New("loan: invalid transition")
	// ErrDueDateNotLater is returned when an extension would not move the due date forward.
	ErrDueDateNotLater = errors.New("loan: new due date must be after the current due date")
)

// State is the mutable part of a loan.
type State struct {
	Status           Status
	Extension        ExtensionStatus
	DueDate          time.Time
	RequestedDueDate *time.Time
	DelayDays        int
}

// New returns the state of a freshly issued loan.
func New(dueDate time.Time) State {
	return State{Status: StatusIssued, Extension: ExtensionNone, DueDate: scheduler.NormalizeDate(dueDate)}
}

func invalid(action string, s State) error {
	return fmt.Errorf("%w: cannot %s a loan that is %s", ErrInvalidTransition, action, s.Status)
}

// RequestReturn moves an issued loan to return_requested.
func RequestReturn(s State) (State, error) {
	if s.Status != StatusIssued {
		return s, invalid("request return of", s)
	}
	s.Status = StatusReturnRequested
	return s, nil
}

// ApproveReturn closes the loan on returnedOn and computes the delay against
// the due date. A pending extension is left as is.
func ApproveReturn(s State, returnedOn time.Time) (State, error) {
	if s.Status != StatusReturnRequested {
		return s, invalid("approve return of", s)
	}
	s.Status = StatusReturned
	s.DelayDays = DelayDays(s.DueDate, returnedOn)
	return s, nil
}

// RequestExtension asks for the due date to move to newDue.
func RequestExtension(s State, newDue time.Time) (State, error) {
	if s.Status != StatusIssued {
		return s, invalid("extend", s)
	}
	if s.Extension == ExtensionPending {
		return s, fmt.Errorf("%w: an extension is already pending", ErrInvalidTransition)
	}
	newDue = scheduler.NormalizeDate(newDue)
	if !newDue.After(scheduler.NormalizeDate(s.DueDate)) {
		return s, ErrDueDateNotLater
	}
	s.Extension = ExtensionPending
	s.RequestedDueDate = &newDue
	return s, nil
}

// DecideExtension approves or rejects a pending extension. Approval moves the
// due date; rejection keeps it.
func DecideExtension(s State, approve bool) (State, error) {
	if s.Extension != ExtensionPending || !s.Status.Outstanding() {
		return s, fmt.Errorf("%w: no pending extension", ErrInvalidTransition)
	}
	if approve {
		s.Extension = ExtensionApproved
		if s.RequestedDueDate != nil {
			s.DueDate = *s.RequestedDueDate
		}
		return s, nil
	}
	s.Extension = ExtensionRejected
	return s, nil
}

// DelayDays is max(0, returnedOn - dueDate) in whole calendar days.
func DelayDays(dueDate, returnedOn time.Time) int {
	days := scheduler.DaysBetween(dueDate, returnedOn)
	if days < 0 {
		return 0
	}
	return days
}
