package http

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/logging"
)

type fakeResolver struct {
	principal application.Principal
	err       error
	gotToken  string
}

func (f *fakeResolver) ResolveToken(_ context.Context, token string) (application.Principal, error) {
	f.gotToken = token
	return f.principal, f.err
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		header     string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "missing header", wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED"},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED"},
		{name: "rejected token", header: "Bearer expired", err: application.ErrUnauthorized, wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED"},
		{name: "disabled account", header: "Bearer valid", err: application.ErrAccountDisabled, wantStatus: http.StatusForbidden, wantCode: "ACCOUNT_DISABLED"},
		{name: "store failure", header: "Bearer valid", err: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resolver := &fakeResolver{err: tc.err}
			handler := RequireAuth(resolver, slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("next handler must not run")
			}))

			req := httptest.NewRequest(http.MethodGet, "/bookings", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantCode != "" {
				require.Contains(t, rec.Body.String(), `"error_code":"`+tc.wantCode+`"`)
			}
		})
	}
}

func TestRequireAuthAttachesPrincipal(t *testing.T) {
	t.Parallel()

	want := application.Principal{ID: "fac-1", Role: approval.RoleFaculty, DepartmentID: "cse"}
	resolver := &fakeResolver{principal: want}

	var got application.Principal
	handler := RequireAuth(resolver, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		got, ok = PrincipalFromContext(r.Context())
		require.True(t, ok)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/inbox", nil)
	req.Header.Set("Authorization", "bearer  tok-123 ")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, want, got)
	require.Equal(t, "tok-123", resolver.gotToken)
}

func TestRequestLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	var origin activity.Origin
	handler := RequestLogger(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin = activity.OriginFromContext(r.Context())
		logging.FromContext(r.Context()).Info("inside")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/bookings", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	req.Header.Set("User-Agent", "labctl/1.0")
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	require.Equal(t, activity.Origin{IP: "10.0.0.7", UserAgent: "labctl/1.0"}, origin)

	out := buf.String()
	require.Contains(t, out, "msg=inside")
	require.Contains(t, out, "request_id=req-42")
	require.Contains(t, out, "status=418")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inbox", nil))
	require.Len(t, rec.Header().Get("X-Request-ID"), 36, "a uuid is generated when none is sent")
}

func TestRequireSameOrigin(t *testing.T) {
	t.Parallel()

	handler := RequireSameOrigin([]string{"https://portal.example.edu"}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		method, origin string
		want           int
	}{
		{http.MethodPost, "", http.StatusNoContent},
		{http.MethodPost, "https://portal.example.edu", http.StatusNoContent},
		{http.MethodPost, "http://example.com", http.StatusNoContent},
		{http.MethodPost, "https://evil.example.net", http.StatusForbidden},
		{http.MethodGet, "https://evil.example.net", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "http://example.com/bookings", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, tc.want, rec.Code, "%s from %q", tc.method, tc.origin)
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	handler := Recover(slog.New(slog.NewTextHandler(&buf, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, strings.Contains(buf.String(), "panic=boom"), buf.String())
}
