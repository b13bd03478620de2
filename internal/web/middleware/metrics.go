package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/addrsync/internal/metrics"
)

// Metrics counts requests and observes latency per route template.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)

			rt := route(r)
			metrics.HTTPRequests.WithLabelValues(r.Method, rt, strconv.Itoa(sw.status)).Inc()
			metrics.HTTPDuration.WithLabelValues(r.Method, rt).Observe(time.Since(start).Seconds())
		})
	}
}
