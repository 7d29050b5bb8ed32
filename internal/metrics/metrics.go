// Package metrics exports workflow and HTTP counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/labreserve/internal/activity"
)

const namespace = "labreserve"

// Recorder owns a private registry so tests and multiple servers do not
// collide on the global one. It implements application.Metrics.
type Recorder struct {
	registry      *prometheus.Registry
	transitions   *prometheus.CounterVec
	refusals      *prometheus.CounterVec
	notifyFailed  *prometheus.CounterVec
	requests      *prometheus.CounterVec
	requestTiming *prometheus.HistogramVec
}

// NewRecorder registers every collector. withRuntime adds the Go and process
// collectors.
func NewRecorder(withRuntime bool) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Activity entries appended, by entity and action.",
		}, []string{"entity", "action"}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refusals_total",
			Help:      "Workflow operations refused, by entity and error kind.",
		}, []string{"entity", "kind"}),
		notifyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered, by template.",
		}, []string{"template"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		requestTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	r.registry.MustRegister(r.transitions, r.refusals, r.notifyFailed, r.requests, r.requestTiming)
	if withRuntime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// TransitionRecorded counts one appended activity entry.
func (r *Recorder) TransitionRecorded(entity activity.EntityType, action activity.Action) {
	r.transitions.WithLabelValues(string(entity), string(action)).Inc()
}

// Refused counts one refused operation.
func (r *Recorder) Refused(entity activity.EntityType, kind string) {
	r.refusals.WithLabelValues(string(entity), kind).Inc()
}

// NotificationFailed counts one failed delivery.
func (r *Recorder) NotificationFailed(template string) {
	r.notifyFailed.WithLabelValues(template).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Instrument wraps next, counting requests under the route pattern rather
// than the raw path so ids do not explode label cardinality.
func (r *Recorder) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		r.requestTiming.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
