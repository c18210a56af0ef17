package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracing wraps each request in an OpenTelemetry server span, continuing any
// W3C traceparent sent by the caller. Span names use the normalized path
// ("POST /services/{id}/pay") because the chi route is not matched yet.
//
// Place it after RequestID and Logging: the span is tagged with the request
// id, and the trace id is handed to the access log.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		annotate := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			if id := GetRequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String("request.id", id))
			}
			if traceID := TraceID(r.Context()); traceID != "" {
				if rw := findResponseWriter(w); rw != nil {
					rw.traceID = traceID
				}
			}
			next.ServeHTTP(w, r)
		})
		return otelhttp.NewHandler(annotate, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
		)
	}
}

// TraceID returns the active trace id in ctx, or "" when no span is recording.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
