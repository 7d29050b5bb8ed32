package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/labreserve/internal/logging"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

func serviceLogger(ctx context.Context, base *slog.Logger, serviceName, operation string, attrs ...any) *slog.Logger {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = base
	}
	if logger == nil {
		logger = slog.Default()
	}

	pairs := []any{"service", serviceName}
	if operation != "" {
		pairs = append(pairs, "operation", operation)
	}
	if len(attrs) > 0 {
		pairs = append(pairs, attrs...)
	}
	return logger.With(pairs...)
}

// logOutcome writes the single result line of an operation. Expected
// business refusals log at warn, everything else that failed at error.
func logOutcome(ctx context.Context, logger *slog.Logger, err error, success string, attrs ...any) {
	if err == nil {
		logger.InfoContext(ctx, success, attrs...)
		return
	}
	kind := ErrorKind(err)
	attrs = append(attrs, "error", err, "error_kind", kind)
	if kind == "unexpected" {
		logger.ErrorContext(ctx, "operation failed", attrs...)
		return
	}
	logger.WarnContext(ctx, "operation refused", attrs...)
}

// ErrorKind maps sentinel and typed errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountDisabled):
		return "account_disabled"
	}

	var (
		vErr     *ValidationError
		conflict *ConflictError
		stock    *InsufficientStockError
		authz    *AuthorizationError
		state    *InvalidStateError
	)
	switch {
	case errors.As(err, &vErr):
		return "validation"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &stock):
		return "insufficient_stock"
	case errors.As(err, &authz):
		return "forbidden"
	case errors.As(err, &state):
		return "invalid_state"
	}

	return "unexpected"
}
