// Package telemetry provides lightweight request instrumentation for the
// status HTTP surface. Requests are counted and timed via prometheus; slow
// requests additionally get a log line.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"projectd/pkg/logger"
)

var slowThreshold = 200 * time.Millisecond

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "projectd_http_requests_total",
		Help: "Status HTTP requests by path and response code.",
	}, []string{"path", "code"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "projectd_http_request_duration_seconds",
		Help:    "Status HTTP request latency by path.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// SetSlowThreshold sets the duration above which requests get a log line.
func SetSlowThreshold(d time.Duration) {
	if d > 0 {
		slowThreshold = d
	}
}

// Middleware wraps next with request counting, latency observation and slow
// request logging.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)
		dur := time.Since(start)

		requestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(srw.status)).Inc()
		requestDuration.WithLabelValues(r.URL.Path).Observe(dur.Seconds())
		if dur > slowThreshold {
			logger.Warn("slow_request", "path", r.URL.Path, "method", r.Method, "status", srw.status, "duration_ms", dur.Milliseconds())
		}
	})
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
