package application

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/scheduler"
)

var (
	// ErrUnauthorized is returned when no valid principal is attached to a call.
	ErrUnauthorized = errors.New("application: unauthorized")
	// ErrNotFound is returned when the requested resource does not exist or is
	// not visible to the caller.
	ErrNotFound = errors.New("application: not found")
	// ErrInvalidCredentials is returned when login fails for any reason other
	// than a disabled account.
	ErrInvalidCredentials = errors.New("application: invalid credentials")
	// ErrAccountDisabled is returned when a disabled account attempts to log in.
	ErrAccountDisabled = errors.New("application: account disabled")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	if len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for field := range v.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return "validation failed: " + strings.Join(fields, ", ")
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

func (v *ValidationError) merge(other *ValidationError) {
	if other == nil || len(other.FieldErrors) == 0 {
		return
	}
	for field, msg := range other.FieldErrors {
		v.add(field, msg)
	}
}

func validationFor(field, message string) *ValidationError {
	v := &ValidationError{}
	v.add(field, message)
	return v
}

// ConflictError reports the first lab whose slot is already taken. With
// describes the blocking span only; it never names the other requester.
type ConflictError struct {
	LabID   string
	LabName string
	Date    time.Time
	With    scheduler.Busy
}

func (e *ConflictError) Error() string {
	name := e.LabName
	if name == "" {
		name = e.LabID
	}
	return fmt.Sprintf("%s is not available on %s between %s and %s",
		name, scheduler.FormatDate(e.Date), scheduler.FormatClock(e.With.Start), scheduler.FormatClock(e.With.End))
}

// InsufficientStockError reports the first line item the ledger cannot cover.
type InsufficientStockError struct {
	ComponentID   string
	ComponentName string
	Requested     int
	Available     int
}

func (e *InsufficientStockError) Error() string {
	name := e.ComponentName
	if name == "" {
		name = e.ComponentID
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

// AuthorizationError reports an actor without standing for an action at the
// current stage.
type AuthorizationError struct {
	Stage  string
	Role   approval.Role
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s may not act on a request at %s: %s", e.Role, e.Stage, e.Reason)
}

// InvalidStateError reports an action that the entity's current stage does
// not allow, such as deciding a terminal request.
type InvalidStateError struct {
	Entity string
	Stage  string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in state %s", e.Action, e.Entity, e.Stage)
}
