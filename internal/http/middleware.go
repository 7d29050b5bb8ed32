package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/logging"
)

// TokenResolver turns a bearer token into the acting principal.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (application.Principal, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// resolved principal in the request context.
func RequireAuth(resolver TokenResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	responder := newResponder(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				responder.writeJSON(r.Context(), w, http.StatusUnauthorized, errorResponse{ErrorCode: "UNAUTHORIZED", Message: errMissingToken.Error()})
				return
			}

			principal, err := resolver.ResolveToken(r.Context(), token)
			if err != nil {
				switch {
				case errors.Is(err, application.ErrUnauthorized):
					responder.writeJSON(r.Context(), w, http.StatusUnauthorized, errorResponse{ErrorCode: "UNAUTHORIZED", Message: "the token is invalid or expired"})
				case errors.Is(err, application.ErrAccountDisabled):
					responder.handleServiceError(r.Context(), w, err)
				default:
					responder.loggerFor(r.Context()).ErrorContext(r.Context(), "token resolution failed", "error", err)
					responder.writeJSON(r.Context(), w, http.StatusInternalServerError, errorResponse{Message: "internal server error"})
				}
				return
			}

			ctx := ContextWithPrincipal(r.Context(), principal)
			ctx = logging.With(ctx, responder.logger, "user_id", principal.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger assigns a request id, honouring an incoming X-Request-ID,
// records the client origin for the activity log and logs each request.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	base = defaultLogger(base)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
			if id == "" || len(id) > 64 {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)

			logger := base.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx := logging.ContextWithLogger(r.Context(), logger)
			ctx = activity.ContextWithOrigin(ctx, activity.Origin{IP: clientIP(r), UserAgent: r.UserAgent()})

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			logger.DebugContext(ctx, "request started")
			next.ServeHTTP(rec, r.WithContext(ctx))
			logger.InfoContext(ctx, "request completed", "status", rec.status, "duration", time.Since(start))
		})
	}
}

// RequireSameOrigin refuses state changing requests whose Origin header
// names a foreign site. Requests without an Origin header, such as those of
// command line clients, pass.
func RequireSameOrigin(allowed []string, logger *slog.Logger) func(http.Handler) http.Handler {
	responder := newResponder(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(allowed, origin) {
				next.ServeHTTP(w, r)
				return
			}
			if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
				next.ServeHTTP(w, r)
				return
			}
			responder.writeJSON(r.Context(), w, http.StatusForbidden, errorResponse{ErrorCode: "FORBIDDEN_ORIGIN", Message: "cross-site requests are not allowed"})
		})
	}
}

// Recover turns a panicking handler into a 500.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	responder := newResponder(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					responder.loggerFor(r.Context()).ErrorContext(r.Context(), "handler panicked", "panic", v)
					responder.writeJSON(r.Context(), w, http.StatusInternalServerError, errorResponse{Message: "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
