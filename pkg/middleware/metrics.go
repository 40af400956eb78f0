// Package middleware provides the control API's HTTP middleware: request
// IDs, Prometheus metrics, timeouts, operator auth, and rate limiting.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/metrics"
)

// rejectionReasons maps refusal statuses to the reason label of
// apod_api_rejections_total.
var rejectionReasons = map[int]string{
	http.StatusUnauthorized:    "unauthorized",
	http.StatusConflict:        "run_active",
	http.StatusTooManyRequests: "rate_limited",
	http.StatusGatewayTimeout:  "timeout",
}

// Metrics records request count, latency and in-flight requests per route
// pattern, and counts refused requests by reason.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := routePattern(r)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			if reason, ok := rejectionReasons[sw.status]; ok {
				m.APIRejectionsTotal.WithLabelValues(route, reason).Inc()
			}
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

// routePattern returns the ServeMux pattern that matched r so that
// /api/v1/runs/{id} is one label value rather than one per run.
// Requests refused before reaching the mux are labelled "unrouted".
func routePattern(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unrouted"
}
