package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/application"
)

type activityService interface {
	Page(ctx context.Context, p application.Principal, f activity.Filter, cursor string, limit int) (activity.Page, error)
	History(ctx context.Context, p application.Principal, entity activity.EntityType, id string) ([]activity.Entry, error)
	Undo(ctx context.Context, params application.UndoParams) (activity.Entry, error)
}

type inboxService interface {
	Inbox(ctx context.Context, p application.Principal) (application.Inbox, error)
}

// ActivityHandler serves the audit trail and the approver inbox.
type ActivityHandler struct {
	service   activityService
	inbox     inboxService
	responder responder
	logger    *slog.Logger
}

// NewActivityHandler constructs an ActivityHandler.
func NewActivityHandler(service activityService, inbox inboxService, logger *slog.Logger) *ActivityHandler {
	base := defaultLogger(logger)
	return &ActivityHandler{service: service, inbox: inbox, responder: newResponder(base), logger: base}
}

func (h *ActivityHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	inbox, err := h.inbox.Inbox(r.Context(), principal)
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, inboxView{
		Bookings:          newBookingViews(inbox.Bookings),
		ComponentRequests: newComponentRequestViews(inbox.ComponentRequests),
		Loans:             newLoanViews(inbox.Loans),
	})
}

// List pages through the log. Non-administrators only see their own actions.
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := activityQuery{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		ResourceID: q.Get("lab_id"),
		ActorID:    q.Get("actor_id"),
		Action:     q.Get("action"),
		From:       q.Get("from"),
		Until:      q.Get("until"),
		Cursor:     q.Get("cursor"),
		Limit:      q.Get("limit"),
	}
	if err := validateStruct(&query); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	filter := activity.Filter{
		EntityType: activity.EntityType(query.EntityType),
		EntityID:   query.EntityID,
		ResourceID: query.ResourceID,
		ActorID:    query.ActorID,
		Action:     activity.Action(query.Action),
	}
	if query.From != "" {
		from := parseDate(query.From)
		filter.From = &from
	}
	if query.Until != "" {
		// Inclusive of the whole day.
		until := parseDate(query.Until).AddDate(0, 0, 1)
		filter.Until = &until
	}
	limit, _ := strconv.Atoi(query.Limit)

	principal, _ := PrincipalFromContext(r.Context())
	page, err := h.service.Page(r.Context(), principal, filter, query.Cursor, limit)
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	entries := page.Entries
	if entries == nil {
		entries = []activity.Entry{}
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, activityPageView{Entries: entries, NextCursor: page.NextCursor})
}

// History answers GET /activity/{entity}/{id}.
func (h *ActivityHandler) History(w http.ResponseWriter, r *http.Request) {
	entity := activity.EntityType(r.PathValue("entity"))
	principal, _ := PrincipalFromContext(r.Context())
	entries, err := h.service.History(r.Context(), principal, entity, r.PathValue("id"))
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, entries)
}

func (h *ActivityHandler) Undo(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	entry, err := h.service.Undo(r.Context(), application.UndoParams{Principal: principal, EntryID: r.PathValue("id")})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	handlerLogger(r.Context(), h.logger, "ActivityHandler", "Undo",
		"entity_type", entry.EntityType,
		"entity_id", entry.EntityID,
	).InfoContext(r.Context(), "transition reverted", "at", entry.CreatedAt.Format(time.RFC3339))
	h.responder.writeJSON(r.Context(), w, http.StatusOK, entry)
}

type activityQuery struct {
	EntityType string `json:"entity_type" validate:"omitempty,oneof=booking component_request loan"`
	EntityID   string `json:"entity_id"`
	ResourceID string `json:"lab_id"`
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	From       string `json:"from" validate:"omitempty,datetime=2006-01-02"`
	Until      string `json:"until" validate:"omitempty,datetime=2006-01-02"`
	Cursor     string `json:"cursor"`
	Limit      string `json:"limit" validate:"omitempty,number"`
}
