package persistence

import (
	"context"
	"time"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/ledger"
	"github.com/example/labreserve/internal/loan"
)

// DirectoryRepository reads and seeds the organisation directory.
type DirectoryRepository interface {
	UpsertDepartment(ctx context.Context, d Department) error
	GetDepartment(ctx context.Context, id string) (Department, error)
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsersByRole(ctx context.Context, departmentID string, role approval.Role) ([]User, error)
	UpsertLab(ctx context.Context, l Lab) error
	GetLab(ctx context.Context, id string) (Lab, error)
	UpsertComponent(ctx context.Context, c Component) error
	GetComponent(ctx context.Context, id string) (Component, error)
	UpsertTimetableSlot(ctx context.Context, s TimetableSlot) error
	ListTimetable(ctx context.Context, labID string) ([]TimetableSlot, error)
}

// BookingFilter narrows booking listings. Zero fields match everything.
type BookingFilter struct {
	RequesterID string
	Statuses    []approval.Stage
	// DepartmentID matches the owning department.
	DepartmentID string
	// MentorID matches bookings whose requester is mentored by this user.
	MentorID string
	// PendingOwnerID matches bookings with a pending lab owned by this user.
	PendingOwnerID string
	Limit          int
}

// BookingRepository stores bookings and their lab memberships.
type BookingRepository interface {
	InsertBooking(ctx context.Context, b Booking) error
	GetBooking(ctx context.Context, id string) (Booking, error)
	// UpdateBooking rewrites the mutable booking columns when the stored
	// status still equals expected; otherwise it returns ErrGuardFailed.
	UpdateBooking(ctx context.Context, b Booking, expected approval.Stage) error
	// UpdateBookingResource rewrites one membership row guarded on its status.
	UpdateBookingResource(ctx context.Context, r BookingResource, expected approval.SubStatus) error
	ListBookings(ctx context.Context, f BookingFilter) ([]Booking, error)
	// ListReservedSlots returns live holds on labID for date, excluding
	// memberships that were rejected or withdrawn.
	ListReservedSlots(ctx context.Context, labID string, date time.Time) ([]ReservedSlot, error)
}

// ComponentRequestFilter narrows component request listings.
type ComponentRequestFilter struct {
	RequesterID  string
	Statuses     []approval.Stage
	DepartmentID string
	MentorID     string
	OwnerID      string
	Limit        int
}

// ComponentRepository stores component requests and the stock ledger.
type ComponentRepository interface {
	ledger.Stock
	InsertComponentRequest(ctx context.Context, r ComponentRequest) error
	GetComponentRequest(ctx context.Context, id string) (ComponentRequest, error)
	UpdateComponentRequest(ctx context.Context, r ComponentRequest, expected approval.Stage) error
	// MarkIssued stamps issuance on an approved request that was never issued.
	MarkIssued(ctx context.Context, id string, at time.Time) error
	ListComponentRequests(ctx context.Context, f ComponentRequestFilter) ([]ComponentRequest, error)
}

// LoanFilter narrows loan listings.
type LoanFilter struct {
	RequesterID string
	OwnerID     string
	Statuses    []loan.Status
	DueBefore   *time.Time
	Limit       int
}

// LoanRepository stores issued loans.
type LoanRepository interface {
	InsertLoan(ctx context.Context, l Loan) error
	GetLoan(ctx context.Context, id string) (Loan, error)
	GetLoanByRequest(ctx context.Context, requestID string) (Loan, error)
	// UpdateLoan rewrites the loan when both axes still hold their expected
	// values; otherwise it returns ErrGuardFailed.
	UpdateLoan(ctx context.Context, l Loan, expected loan.Status, expectedExt loan.ExtensionStatus) error
	ListLoans(ctx context.Context, f LoanFilter) ([]Loan, error)
}

// ActivityRepository is the append-only log.
type ActivityRepository interface {
	activity.Appender
	activity.Reader
	GetActivity(ctx context.Context, id string) (activity.Entry, error)
	// EntityHistory returns every entry of one entity in Seq order.
	EntityHistory(ctx context.Context, entityType activity.EntityType, entityID string) ([]activity.Entry, error)
}

// Queries is every repository operation, usable inside or outside a
// transaction.
type Queries interface {
	DirectoryRepository
	BookingRepository
	ComponentRepository
	LoanRepository
	ActivityRepository
}

// Tx is a store transaction.
type Tx interface {
	Queries
	// LockKeys serialises writers on the given keys for the rest of the
	// transaction. Keys are locked in sorted order.
	LockKeys(ctx context.Context, keys ...string) error
}

// Store is the transactional relational store the services run against.
type Store interface {
	Queries
	// WithinTx runs fn in a transaction, committing when it returns nil.
	// Serialization failures are retried with backoff; fn must therefore be
	// free of side effects outside tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
