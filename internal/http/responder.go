package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/logging"
	"github.com/example/labreserve/internal/scheduler"
)

var (
	errBadRequestBody = errors.New("request body is not valid JSON")
	errMissingToken   = errors.New("a bearer token is required")
)

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	return responder{logger: defaultLogger(logger)}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).WarnContext(ctx, "request failed", "status", status, "error", err)
	}
	r.writeJSON(ctx, w, status, errorResponse{Message: message})
}

// fail answers a malformed body with 400 and defers everything else to
// handleServiceError.
func (r responder) fail(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, errBadRequestBody) {
		r.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	r.handleServiceError(ctx, w, err)
}

// handleServiceError maps the application error taxonomy onto status codes.
// Service messages are safe to return: conflicts never name the holder.
func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	var (
		vErr     *application.ValidationError
		conflict *application.ConflictError
		stock    *application.InsufficientStockError
		authz    *application.AuthorizationError
		state    *application.InvalidStateError
	)
	switch {
	case errors.As(err, &vErr):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			ErrorCode: "VALIDATION_FAILED",
			Message:   "the request contains invalid fields",
			Errors:    vErr.FieldErrors,
		})
	case errors.As(err, &conflict):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: "SLOT_UNAVAILABLE",
			Message:   conflict.Error(),
			Conflict: &conflictPayload{
				LabID: conflict.LabID,
				Date:  conflict.Date.Format(scheduler.DateLayout),
				Type:  string(conflict.With.Type),
				Start: scheduler.FormatClock(conflict.With.Start),
				End:   scheduler.FormatClock(conflict.With.End),
			},
		})
	case errors.As(err, &stock):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "INSUFFICIENT_STOCK", Message: stock.Error()})
	case errors.As(err, &authz):
		r.writeJSON(ctx, w, http.StatusForbidden, errorResponse{ErrorCode: "FORBIDDEN", Message: authz.Error()})
	case errors.As(err, &state):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "INVALID_STATE", Message: state.Error()})
	case errors.Is(err, application.ErrInvalidCredentials):
		r.writeJSON(ctx, w, http.StatusUnauthorized, errorResponse{ErrorCode: "INVALID_CREDENTIALS", Message: "email or password is incorrect"})
	case errors.Is(err, application.ErrUnauthorized):
		r.writeJSON(ctx, w, http.StatusUnauthorized, errorResponse{ErrorCode: "UNAUTHORIZED", Message: "authentication is required"})
	case errors.Is(err, application.ErrAccountDisabled):
		r.writeJSON(ctx, w, http.StatusForbidden, errorResponse{ErrorCode: "ACCOUNT_DISABLED", Message: "the account is disabled"})
	case errors.Is(err, application.ErrNotFound):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{ErrorCode: "NOT_FOUND", Message: "the requested resource was not found"})
	default:
		r.loggerFor(ctx).ErrorContext(ctx, "unexpected service error", "error", err)
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Message: "internal server error"})
	}
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := logging.FromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

type errorResponse struct {
	ErrorCode string            `json:"error_code,omitempty"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
	Conflict  *conflictPayload  `json:"conflict,omitempty"`
}

type conflictPayload struct {
	LabID string `json:"lab_id"`
	Date  string `json:"date"`
	Type  string `json:"type"`
	Start string `json:"start"`
	End   string `json:"end"`
}
