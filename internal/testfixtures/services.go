package testfixtures

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/persistence/sqlstore"
)

// Notification is one message captured by RecordingNotifier.
type Notification struct {
	Recipients []string
	Template   string
	Data       map[string]any
}

// RecordingNotifier keeps every notification in memory. Setting Err makes
// deliveries fail after being recorded.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

// Notify implements application.Notifier.
func (n *RecordingNotifier) Notify(_ context.Context, recipients []string, template string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{Recipients: append([]string(nil), recipients...), Template: template, Data: data})
	return n.Err
}

// Sent returns the captured notifications, optionally only those of template.
func (n *RecordingNotifier) Sent(template string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, m := range n.sent {
		if template == "" || m.Template == template {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets everything captured so far.
func (n *RecordingNotifier) Reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}

// Env is a migrated SQLite store seeded with the reference organisation and
// every workflow service wired against it with a fixed clock.
type Env struct {
	Store    *sqlstore.Store
	Org      Org
	Clock    *Clock
	IDs      *IDGenerator
	Notifier *RecordingNotifier
	Deps     application.Dependencies

	Bookings   *application.BookingService
	Components *application.ComponentService
	Loans      *application.LoanService
	Activity   *application.ActivityService
	Directory  *application.DirectoryService
}

// EnvOption adjusts the service dependencies before they are wired.
type EnvOption func(*application.Dependencies)

// WithRecordDenied turns on the audit of refused decisions.
func WithRecordDenied() EnvOption {
	return func(d *application.Dependencies) {
		d.RecordDenied = true
	}
}

// WithMetrics routes workflow counters to m.
func WithMetrics(m application.Metrics) EnvOption {
	return func(d *application.Dependencies) {
		d.Metrics = m
	}
}

// NewEnv builds an Env. The store is closed when tb finishes.
func NewEnv(tb testing.TB, opts ...EnvOption) *Env {
	tb.Helper()

	harness := NewSQLiteHarness(tb)
	org := SeedOrg(tb, harness.Store)

	env := &Env{
		Store:    harness.Store,
		Org:      org,
		Clock:    NewClock(ReferenceTime()),
		IDs:      NewIDGenerator("id"),
		Notifier: &RecordingNotifier{},
	}
	deps := application.Dependencies{
		Store:       harness.Store,
		IDGenerator: env.IDs.NextFunc(),
		Now:         env.Clock.NowFunc(),
		Logger:      DiscardLogger(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	if deps.Policy == nil {
		// One cache for every service so directory imports invalidate it.
		deps.Policy = application.NewDirectoryPolicy(harness.Store, time.Minute, deps.Now)
	}
	deps.Dispatcher = application.NewDispatcher(env.Notifier, deps.Metrics, deps.Logger)
	env.Deps = deps

	env.Bookings = application.NewBookingService(deps)
	env.Components = application.NewComponentService(deps)
	env.Loans = application.NewLoanService(deps)
	env.Activity = application.NewActivityService(deps)
	env.Directory = application.NewDirectoryService(deps, application.Argon2idParams{})
	tb.Cleanup(env.Settle)
	return env
}

// Principal returns the principal of a reference user.
func (e *Env) Principal(tb testing.TB, id string) application.Principal {
	tb.Helper()
	return application.PrincipalFromUser(e.Org.User(tb, id))
}

// Settle waits for notifications dispatched so far.
func (e *Env) Settle() {
	e.Deps.Dispatcher.Wait()
}
