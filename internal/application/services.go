package application

import (
	"context"
	"fmt"
)

// Services bundles the workflow services built from one set of dependencies
// so they share a policy cache and a dispatcher.
type Services struct {
	Bookings   *BookingService
	Components *ComponentService
	Loans      *LoanService
	Activity   *ActivityService
	Directory  *DirectoryService
}

// NewServices wires every workflow service against deps.
func NewServices(deps Dependencies, params Argon2idParams) *Services {
	deps = deps.withDefaults()
	return &Services{
		Bookings:   NewBookingService(deps),
		Components: NewComponentService(deps),
		Loans:      NewLoanService(deps),
		Activity:   NewActivityService(deps),
		Directory:  NewDirectoryService(deps, params),
	}
}

// Inbox collects everything awaiting p's decision.
func (s *Services) Inbox(ctx context.Context, p Principal) (Inbox, error) {
	if p.ID == "" {
		return Inbox{}, ErrUnauthorized
	}
	var (
		inbox Inbox
		err   error
	)
	if inbox.Bookings, err = s.Bookings.Awaiting(ctx, p); err != nil {
		return Inbox{}, fmt.Errorf("bookings: %w", err)
	}
	if inbox.ComponentRequests, err = s.Components.Awaiting(ctx, p); err != nil {
		return Inbox{}, fmt.Errorf("component requests: %w", err)
	}
	if inbox.Loans, err = s.Loans.Awaiting(ctx, p); err != nil {
		return Inbox{}, fmt.Errorf("loans: %w", err)
	}
	return inbox, nil
}
