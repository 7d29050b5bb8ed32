package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/labreserve/internal/persistence"
)

// CredentialStore exposes the directory lookups required by the auth service.
type CredentialStore interface {
	GetUserByEmail(ctx context.Context, email string) (persistence.User, error)
	GetUser(ctx context.Context, id string) (persistence.User, error)
}

// TokenIssuer signs and verifies bearer tokens. internal/auth provides the
// JWT implementation.
type TokenIssuer interface {
	Issue(user persistence.User, now time.Time) (token string, expiresAt time.Time, err error)
	// Subject returns the user id carried by a valid token.
	Subject(token string) (string, error)
}

// PasswordVerifier compares a stored hash with a candidate password.
type PasswordVerifier func(hashedPassword, password string) error

// AuthService exchanges credentials for tokens and tokens for principals.
type AuthService struct {
	credentials    CredentialStore
	tokens         TokenIssuer
	verifyPassword PasswordVerifier
	now            func() time.Time
	logger         *slog.Logger
}

// NewAuthService constructs an AuthService. A nil verifier checks argon2id
// hashes.
func NewAuthService(credentials CredentialStore, tokens TokenIssuer, verify PasswordVerifier, now func() time.Time, logger *slog.Logger) *AuthService {
	if verify == nil {
		verify = VerifyPassword
	}
	if now == nil {
		now = time.Now
	}
	return &AuthService{
		credentials:    credentials,
		tokens:         tokens,
		verifyPassword: verify,
		now:            now,
		logger:         defaultLogger(logger),
	}
}

func (s *AuthService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "AuthService", operation, attrs...)
}

// Authenticate validates credentials and issues a signed token.
func (s *AuthService) Authenticate(ctx context.Context, params AuthenticateParams) (result AuthenticateResult, err error) {
	if s == nil {
		err = fmt.Errorf("AuthService is nil")
		return
	}
	if s.credentials == nil || s.tokens == nil {
		err = fmt.Errorf("auth service not configured")
		return
	}

	email := strings.TrimSpace(strings.ToLower(params.Email))
	logger := s.loggerWith(ctx, "Authenticate", "email", email)
	defer func() {
		logOutcome(ctx, logger, err, "authentication succeeded", "user_id", result.User.ID)
	}()

	if email == "" || params.Password == "" {
		err = ErrInvalidCredentials
		return
	}

	var user persistence.User
	user, err = s.credentials.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			err = ErrInvalidCredentials
		}
		return
	}
	if err = s.verifyPassword(user.PasswordHash, params.Password); err != nil {
		err = ErrInvalidCredentials
		return
	}
	if user.Disabled {
		err = ErrAccountDisabled
		return
	}

	token, expiresAt, ierr := s.tokens.Issue(user, s.now())
	if ierr != nil {
		err = fmt.Errorf("issue token: %w", ierr)
		return
	}
	result = AuthenticateResult{User: user, Token: token, ExpiresAt: expiresAt}
	return
}

// ResolveToken verifies a bearer token and loads the principal it names. The
// directory is read on every call so disabled accounts lose access at once.
func (s *AuthService) ResolveToken(ctx context.Context, token string) (Principal, error) {
	if s == nil {
		return Principal{}, fmt.Errorf("AuthService is nil")
	}
	token = strings.TrimSpace(token)
	if token == "" || s.tokens == nil {
		return Principal{}, ErrUnauthorized
	}
	subject, err := s.tokens.Subject(token)
	if err != nil {
		s.loggerWith(ctx, "ResolveToken").DebugContext(ctx, "token rejected", "error", err)
		return Principal{}, ErrUnauthorized
	}
	user, err := s.credentials.GetUser(ctx, subject)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Principal{}, ErrUnauthorized
		}
		return Principal{}, err
	}
	if user.Disabled {
		return Principal{}, ErrAccountDisabled
	}
	return PrincipalFromUser(user), nil
}
