package http

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker reports whether the backing store answers.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RouterConfig carries the handlers and middleware NewRouter mounts.
type RouterConfig struct {
	Auth       *AuthHandler
	Bookings   *BookingHandler
	Components *ComponentHandler
	Loans      *LoanHandler
	Activity   *ActivityHandler
	// RequireAuth guards every route except login, health and metrics.
	RequireAuth func(http.Handler) http.Handler
	// Instrument wraps each route with its pattern as the label.
	Instrument func(route string, next http.Handler) http.Handler
	Metrics    http.Handler
	Health     HealthChecker
	Middleware []func(http.Handler) http.Handler
}

// NewRouter registers every route on a ServeMux and wraps it with the
// configured middleware, outermost first.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	handle := func(pattern string, h http.HandlerFunc, public bool) {
		var handler http.Handler = h
		if !public && cfg.RequireAuth != nil {
			handler = cfg.RequireAuth(handler)
		}
		if cfg.Instrument != nil {
			handler = cfg.Instrument(pattern, handler)
		}
		mux.Handle(pattern, handler)
	}

	if cfg.Auth != nil {
		handle("POST /login", cfg.Auth.Login, true)
	}

	if cfg.Bookings != nil {
		handle("POST /bookings", cfg.Bookings.Create, false)
		handle("GET /bookings", cfg.Bookings.List, false)
		handle("GET /bookings/{id}", cfg.Bookings.Get, false)
		handle("POST /bookings/{id}/decision", cfg.Bookings.Decide, false)
		handle("POST /bookings/{id}/withdraw", cfg.Bookings.Withdraw, false)
		handle("GET /labs/{id}/availability", cfg.Bookings.Availability, false)
	}

	if cfg.Components != nil {
		handle("POST /component-requests", cfg.Components.Create, false)
		handle("GET /component-requests", cfg.Components.List, false)
		handle("GET /component-requests/{id}", cfg.Components.Get, false)
		handle("POST /component-requests/{id}/decision", cfg.Components.Decide, false)
		handle("POST /component-requests/{id}/withdraw", cfg.Components.Withdraw, false)
		handle("POST /component-requests/{id}/issue", cfg.Components.Issue, false)
		handle("POST /component-requests/{id}/decline", cfg.Components.DeclineIssue, false)
	}

	if cfg.Loans != nil {
		handle("GET /loans", cfg.Loans.List, false)
		handle("GET /loans/overdue", cfg.Loans.Overdue, false)
		handle("GET /loans/{id}", cfg.Loans.Get, false)
		handle("POST /loans/{id}/return-request", cfg.Loans.RequestReturn, false)
		handle("POST /loans/{id}/return-approval", cfg.Loans.ApproveReturn, false)
		handle("POST /loans/{id}/extension", cfg.Loans.RequestExtension, false)
		handle("POST /loans/{id}/extension-decision", cfg.Loans.DecideExtension, false)
	}

	if cfg.Activity != nil {
		handle("GET /inbox", cfg.Activity.Inbox, false)
		handle("GET /activity", cfg.Activity.List, false)
		handle("GET /activity/{entity}/{id}", cfg.Activity.History, false)
		handle("POST /activity/{id}/undo", cfg.Activity.Undo, false)
	}

	if cfg.Health != nil {
		handle("GET /healthz", healthHandler(cfg.Health), true)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	var handler http.Handler = mux
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		if cfg.Middleware[i] != nil {
			handler = cfg.Middleware[i](handler)
		}
	}
	return handler
}

func healthHandler(checker HealthChecker) http.HandlerFunc {
	responder := newResponder(nil)
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := checker.Ping(ctx); err != nil {
			responder.loggerFor(r.Context()).ErrorContext(r.Context(), "health check failed", "error", err)
			responder.writeJSON(r.Context(), w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		responder.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
