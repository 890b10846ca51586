package otel

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPMiddleware returns a chi-compatible middleware that creates spans for
// API requests. Health probes and the long-lived /ws and SSE stream
// connections are excluded: a span spanning an hours-long event stream is
// noise, and probes would dominate the trace volume.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithFilter(func(r *http.Request) bool {
				if r.URL.Path == "/health" || r.URL.Path == "/ws" {
					return false
				}
				return !strings.HasSuffix(r.URL.Path, "/events/stream")
			}),
		)
	}
}
