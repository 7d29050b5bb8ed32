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

type componentService interface {
	CreateComponentRequest(ctx context.Context, params application.CreateComponentRequestParams) (persistence.ComponentRequest, error)
	Decide(ctx context.Context, params application.DecideParams) (approval.Stage, error)
	Withdraw(ctx context.Context, params application.WithdrawParams) (approval.Stage, error)
	Issue(ctx context.Context, params application.IssueParams) (persistence.Loan, error)
	DeclineIssue(ctx context.Context, params application.DeclineIssueParams) (persistence.Loan, error)
	GetComponentRequest(ctx context.Context, p application.Principal, id string) (persistence.ComponentRequest, error)
	ListMine(ctx context.Context, p application.Principal) ([]persistence.ComponentRequest, error)
}

// ComponentHandler serves component requests up to the hand-over.
type ComponentHandler struct {
	service   componentService
	responder responder
	logger    *slog.Logger
}

// NewComponentHandler constructs a ComponentHandler.
func NewComponentHandler(service componentService, logger *slog.Logger) *ComponentHandler {
	base := defaultLogger(logger)
	return &ComponentHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *ComponentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createComponentRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	items := make([]persistence.RequestItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, persistence.RequestItem{ComponentID: item.ComponentID, Quantity: item.Quantity})
	}

	principal, _ := PrincipalFromContext(r.Context())
	request, err := h.service.CreateComponentRequest(r.Context(), application.CreateComponentRequestParams{
		Principal:  principal,
		Items:      items,
		Purpose:    req.Purpose,
		ReturnDate: parseDate(req.ReturnDate),
	})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	handlerLogger(r.Context(), h.logger, "ComponentHandler", "Create", "request_id", request.ID).
		InfoContext(r.Context(), "component request submitted")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, newComponentRequestView(request))
}

func (h *ComponentHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	request, err := h.service.GetComponentRequest(r.Context(), principal, r.PathValue("id"))
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, newComponentRequestView(request))
}

func (h *ComponentHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	requests, err := h.service.ListMine(r.Context(), principal)
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, newComponentRequestViews(requests))
}

func (h *ComponentHandler) Decide(w http.ResponseWriter, r *http.Request) {
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

func (h *ComponentHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id := r.PathValue("id")
	stage, err := h.service.Withdraw(r.Context(), application.WithdrawParams{Principal: principal, RequestID: id})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, stageView{ID: id, Status: string(stage)})
}

// Issue hands an approved request over and opens its loan.
func (h *ComponentHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	var due *time.Time
	if req.DueDate != "" {
		d := parseDate(req.DueDate)
		due = &d
	}

	principal, _ := PrincipalFromContext(r.Context())
	issued, err := h.service.Issue(r.Context(), application.IssueParams{
		Principal: principal,
		RequestID: r.PathValue("id"),
		DueDate:   due,
	})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	handlerLogger(r.Context(), h.logger, "ComponentHandler", "Issue", "loan_id", issued.ID).
		InfoContext(r.Context(), "components issued")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, newLoanView(issued))
}

func (h *ComponentHandler) DeclineIssue(w http.ResponseWriter, r *http.Request) {
	var req declineIssueRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	declined, err := h.service.DeclineIssue(r.Context(), application.DeclineIssueParams{
		Principal: principal,
		RequestID: r.PathValue("id"),
		Reason:    req.Reason,
	})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, newLoanView(declined))
}

type createComponentRequest struct {
	Items      []requestItem `json:"items" validate:"required,min=1,dive"`
	Purpose    string        `json:"purpose" validate:"required,max=500"`
	ReturnDate string        `json:"return_date" validate:"required,datetime=2006-01-02"`
}

type requestItem struct {
	ComponentID string `json:"component_id" validate:"required"`
	Quantity    int    `json:"quantity" validate:"min=1"`
}

type issueRequest struct {
	DueDate string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
}

type declineIssueRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}
