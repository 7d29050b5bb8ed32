package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
)

type bookingService interface {
	CreateReservation(ctx context.Context, params application.CreateReservationParams) (persistence.Booking, error)
	Decide(ctx context.Context, params application.DecideParams) (approval.Stage, error)
	Withdraw(ctx context.Context, params application.WithdrawParams) (approval.Stage, error)
	GetBooking(ctx context.Context, p application.Principal, id string) (persistence.Booking, error)
	ListMine(ctx context.Context, p application.Principal) ([]persistence.Booking, error)
	Availability(ctx context.Context, p application.Principal, labID string, date time.Time) (application.Availability, error)
}

// BookingHandler serves lab reservations.
type BookingHandler struct {
	service   bookingService
	responder responder
	logger    *slog.Logger
}

// NewBookingHandler constructs a BookingHandler.
func NewBookingHandler(service bookingService, logger *slog.Logger) *BookingHandler {
	base := defaultLogger(logger)
	return &BookingHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	clocks, err := parseClocks(map[string]string{"start": req.Start, "end": req.End})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	booking, err := h.service.CreateReservation(r.Context(), application.CreateReservationParams{
		Principal:   principal,
		LabIDs:      req.LabIDs,
		Date:        parseDate(req.Date),
		StartMinute: clocks["start"],
		EndMinute:   clocks["end"],
		Purpose:     req.Purpose,
	})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	handlerLogger(r.Context(), h.logger, "BookingHandler", "Create", "booking_id", booking.ID).
		InfoContext(r.Context(), "booking submitted")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, newBookingView(booking))
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	booking, err := h.service.GetBooking(r.Context(), principal, r.PathValue("id"))
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, newBookingView(booking))
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	bookings, err := h.service.ListMine(r.Context(), principal)
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, newBookingViews(bookings))
}

func (h *BookingHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	id := r.PathValue("id")
	stage, err := h.service.Decide(r.Context(), application.DecideParams{
		Principal: principal,
		RequestID: id,
		LabID:     req.LabID,
		Action:    approval.Action(req.Action),
		Reason:    req.Reason,
		Remarks:   req.Remarks,
	})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, stageView{ID: id, Status: string(stage)})
}

func (h *BookingHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	id := r.PathValue("id")
	stage, err := h.service.Withdraw(r.Context(), application.WithdrawParams{
		Principal: principal,
		RequestID: id,
		LabID:     req.LabID,
	})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, stageView{ID: id, Status: string(stage)})
}

// Availability answers GET /labs/{id}/availability?date=YYYY-MM-DD.
func (h *BookingHandler) Availability(w http.ResponseWriter, r *http.Request) {
	query := availabilityQuery{Date: r.URL.Query().Get("date")}
	if err := validateStruct(&query); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	availability, err := h.service.Availability(r.Context(), principal, r.PathValue("id"), parseDate(query.Date))
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, newAvailabilityView(availability))
}

type createBookingRequest struct {
	LabIDs  []string `json:"lab_ids" validate:"required,min=1,unique,dive,required"`
	Date    string   `json:"date" validate:"required,datetime=2006-01-02"`
	Start   string   `json:"start" validate:"required"`
	End     string   `json:"end" validate:"required"`
	Purpose string   `json:"purpose" validate:"required,max=500"`
}

type decisionRequest struct {
	Action  string `json:"action" validate:"required,oneof=approve reject"`
	Reason  string `json:"reason" validate:"required_if=Action reject,max=500"`
	Remarks string `json:"remarks" validate:"max=500"`
	LabID   string `json:"lab_id"`
}

type withdrawRequest struct {
	LabID string `json:"lab_id"`
}

type availabilityQuery struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
}
