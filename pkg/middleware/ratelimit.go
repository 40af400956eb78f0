package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/ratelimit"
)

// RateLimit caps mutating requests at limit per window for each caller,
// keyed by API token when one is sent and by remote IP otherwise. A limit
// of zero or less disables it.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		limiter := ratelimit.New(limit, window)
		retryAfter := strconv.Itoa(int((window / time.Duration(limit)).Seconds()) + 1)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow(callerKey(r)) {
				w.Header().Set("Retry-After", retryAfter)
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if token := callerToken(r); token != "" {
		return "token:" + token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
