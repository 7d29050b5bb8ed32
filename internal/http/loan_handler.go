package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/persistence"
)

type loanService interface {
	RequestReturn(ctx context.Context, params application.LoanActionParams) (persistence.Loan, error)
	ApproveReturn(ctx context.Context, params application.LoanActionParams) (persistence.Loan, error)
	RequestExtension(ctx context.Context, params application.RequestExtensionParams) (persistence.Loan, error)
	DecideExtension(ctx context.Context, params application.DecideExtensionParams) (persistence.Loan, error)
	GetLoan(ctx context.Context, p application.Principal, id string) (persistence.Loan, error)
	ListMine(ctx context.Context, p application.Principal) ([]persistence.Loan, error)
	ListOverdue(ctx context.Context, p application.Principal, asOf time.Time) ([]application.OverdueLoan, error)
}

// LoanHandler serves issued loans and their return and extension steps.
type LoanHandler struct {
	service   loanService
	responder responder
	logger    *slog.Logger
	now       func() time.Time
}

// NewLoanHandler constructs a LoanHandler. now defaults to time.Now and
// decides the overdue cut-off when as_of is omitted.
func NewLoanHandler(service loanService, logger *slog.Logger, now func() time.Time) *LoanHandler {
	if now == nil {
		now = time.Now
	}
	base := defaultLogger(logger)
	return &LoanHandler{service: service, responder: newResponder(base), logger: base, now: now}
}

func (h *LoanHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	l, err := h.service.GetLoan(r.Context(), principal, r.PathValue("id"))
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, newLoanView(l))
}

func (h *LoanHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	loans, err := h.service.ListMine(r.Context(), principal)
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, newLoanViews(loans))
}

// Overdue answers GET /loans/overdue?as_of=YYYY-MM-DD, defaulting to today.
func (h *LoanHandler) Overdue(w http.ResponseWriter, r *http.Request) {
	query := overdueQuery{AsOf: r.URL.Query().Get("as_of")}
	if err := validateStruct(&query); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	asOf := h.now()
	if query.AsOf != "" {
		asOf = parseDate(query.AsOf)
	}

	principal, _ := PrincipalFromContext(r.Context())
	overdue, err := h.service.ListOverdue(r.Context(), principal, asOf)
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	out := make([]overdueView, 0, len(overdue))
	for _, o := range overdue {
		out = append(out, overdueView{Loan: newLoanView(o.Loan), DelayDays: o.DelayDays})
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, out)
}

func (h *LoanHandler) RequestReturn(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.service.RequestReturn)
}

func (h *LoanHandler) ApproveReturn(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.service.ApproveReturn)
}

func (h *LoanHandler) act(w http.ResponseWriter, r *http.Request, fn func(context.Context, application.LoanActionParams) (persistence.Loan, error)) {
	principal, _ := PrincipalFromContext(r.Context())
	l, err := fn(r.Context(), application.LoanActionParams{Principal: principal, LoanID: r.PathValue("id")})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, newLoanView(l))
}

func (h *LoanHandler) RequestExtension(w http.ResponseWriter, r *http.Request) {
	var req extensionRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	l, err := h.service.RequestExtension(r.Context(), application.RequestExtensionParams{
		Principal:  principal,
		LoanID:     r.PathValue("id"),
		NewDueDate: parseDate(req.NewDueDate),
		Reason:     req.Reason,
	})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, newLoanView(l))
}

func (h *LoanHandler) DecideExtension(w http.ResponseWriter, r *http.Request) {
	var req extensionDecisionRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	l, err := h.service.DecideExtension(r.Context(), application.DecideExtensionParams{
		Principal: principal,
		LoanID:    r.PathValue("id"),
		Approve:   *req.Approve,
		Remarks:   req.Remarks,
	})
	if err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, newLoanView(l))
}

type overdueQuery struct {
	AsOf string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
}

type extensionRequest struct {
	NewDueDate string `json:"new_due_date" validate:"required,datetime=2006-01-02"`
	Reason     string `json:"reason" validate:"required,max=500"`
}

type extensionDecisionRequest struct {
	Approve *bool  `json:"approve" validate:"required"`
	Remarks string `json:"remarks" validate:"max=500"`
}
