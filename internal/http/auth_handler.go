package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/labreserve/internal/application"
)

type authService interface {
	Authenticate(ctx context.Context, params application.AuthenticateParams) (application.AuthenticateResult, error)
}

// AuthHandler exchanges credentials for bearer tokens.
type AuthHandler struct {
	service   authService
	responder responder
	logger    *slog.Logger
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(service authService, logger *slog.Logger) *AuthHandler {
	base := defaultLogger(logger)
	return &AuthHandler{service: service, responder: newResponder(base), logger: base}
}

// Login exchanges credentials for a bearer token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var req loginRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.responder.fail(r.Context(), w, err)
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	logger := handlerLogger(r.Context(), h.logger, "AuthHandler", "Login", "email", email)

	result, err := h.service.Authenticate(r.Context(), application.AuthenticateParams{
		Email:    email,
		Password: req.Password,
	})
	if err != nil {
		logger.WarnContext(r.Context(), "authentication rejected", "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "user authenticated", "user_id", result.User.ID)
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, loginResponse{
		Token:     result.Token,
		TokenType: "Bearer",
		ExpiresAt: result.ExpiresAt.UTC().Format(time.RFC3339),
		User: principalDTO{
			ID:           result.User.ID,
			Email:        result.User.Email,
			Name:         result.User.DisplayName,
			Role:         string(result.User.Role),
			DepartmentID: result.User.DepartmentID,
		},
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	TokenType string       `json:"token_type"`
	ExpiresAt string       `json:"expires_at"`
	User      principalDTO `json:"user"`
}

type principalDTO struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	DepartmentID string `json:"department_id"`
}
