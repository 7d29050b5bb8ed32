package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/example/labreserve/internal/activity"
)

func TestRecorderCounters(t *testing.T) {
	t.Parallel()

	r := NewRecorder(false)
	r.TransitionRecorded(activity.EntityBooking, activity.ActionApproved)
	r.TransitionRecorded(activity.EntityBooking, activity.ActionApproved)
	r.Refused(activity.EntityComponentRequest, "insufficient_stock")
	r.NotificationFailed("request.approved")

	require.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("booking", "approved")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.refusals.WithLabelValues("component_request", "insufficient_stock")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.notifyFailed.WithLabelValues("request.approved")))
}

func TestRecorderInstrumentAndHandler(t *testing.T) {
	t.Parallel()

	r := NewRecorder(false)
	h := r.Instrument("GET /bookings/{id}", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bookings/b-1", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bookings/b-2", nil))

	require.Equal(t, 2.0, testutil.ToFloat64(r.requests.WithLabelValues("GET /bookings/{id}", "404")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "labreserve_http_request_duration_seconds"), "exposition: %s", body)
}
