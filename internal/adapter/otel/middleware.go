package otel

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// untracedPaths are polled constantly or held open for minutes; spans for them
// are noise.
var untracedPaths = map[string]bool{
	"/health": true,
	"/ws":     true,
}

// HTTPMiddleware returns a chi-compatible middleware that creates a span per
// API request, named after the method and the first two path segments so run
// and card ids do not explode span cardinality.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithFilter(func(r *http.Request) bool { return !untracedPaths[r.URL.Path] }),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return spanName(r.Method, r.URL.Path)
			}),
		)
	}
}

// spanName maps "/api/v1/runs/run_x/claim" to "POST /api/v1/runs".
func spanName(method, path string) string {
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 4)
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return method + " /" + strings.Join(parts, "/")
}
