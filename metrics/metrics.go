// Package metrics exposes Prometheus collectors for the admission gate.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission result label values.
const (
	ResultGranted     = "granted"
	ResultDenied      = "denied"
	ResultPassThrough = "passthrough"
	ResultThrottled   = "throttled"
	ResultAbandoned   = "abandoned"
)

var (
	// AdmissionsTotal counts admission decisions by result.
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_gate_admissions_total",
			Help: "Total admission decisions, by result",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks the number of registered sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_gate_active_sessions",
			Help: "Number of sessions currently registered",
		},
	)

	// StreamsOpen tracks concurrently open SSE streams.
	StreamsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_gate_streams_open",
			Help: "Number of SSE streams currently open",
		},
	)

	// SweptSessionsTotal counts sessions reclaimed by the stale sweep.
	SweptSessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_gate_swept_sessions_total",
			Help: "Total stale sessions removed by the sweep",
		},
	)

	// PermitWaitSeconds tracks how long commands waited for a permit.
	PermitWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_gate_permit_wait_seconds",
			Help:    "Time commands spent waiting for a session permit",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// RequestsTotal counts HTTP requests through the gate.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_gate_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_gate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher so SSE responses keep streaming.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware records request counts and latency around next.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
