package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/telemetry"
)

// statusText maps HTTP status codes to pre-allocated strings,
// avoiding a strconv.Itoa allocation per request.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

// noVendor labels routes that are not scoped to one vendor (health,
// admin, the merged model list).
const noVendor = "none"

// metricsMiddleware records request duration, status, and active count,
// labelled by route pattern and the vendor the route serves.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			start := time.Now()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false

			next.ServeHTTP(sw, r)

			elapsed := time.Since(start).Seconds()
			status := sw.status
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)

			m.ActiveRequests.Dec()

			pattern := routePattern(r)
			vendor := routeVendor(pattern)
			if status >= len(statusText) {
				status = 0
			}

			m.RequestsTotal.WithLabelValues(r.Method, pattern, vendor, statusText[status]).Inc()
			m.RequestDuration.WithLabelValues(r.Method, pattern, vendor).Observe(elapsed)
		})
	}
}

// routePattern returns the chi route pattern for bounded cardinality.
// Unmatched requests share one label so requests for random paths cannot grow
// the series count.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unmatched"
}

// routeVendor extracts the vendor prefix of a route pattern such as
// "/grok/v1/chat/completions" or "/aws/{family}/v1/models".
func routeVendor(pattern string) string {
	first, _, _ := strings.Cut(strings.TrimPrefix(pattern, "/"), "/")
	if v, err := gateway.ParseVendor(first); err == nil {
		return string(v)
	}
	return noVendor
}
