package observability

import (
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Audit logs a security event at info level and counts it. attrs are
// key/value pairs as accepted by slog; never pass secrets or raw tokens.
func Audit(r *http.Request, event string, attrs ...any) {
	ctx := r.Context()
	add(ctx, func(i *instruments) metric.Int64Counter { return i.audits }, 1, attribute.String("event", event))

	reqID := chimiddleware.GetReqID(ctx)
	if reqID == "" {
		reqID = r.Header.Get(chimiddleware.RequestIDHeader)
	}
	fields := make([]any, 0, 10+len(attrs))
	fields = append(fields,
		slog.String("event", event),
		slog.String("request_id", reqID),
		slog.Group("http",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
		),
	)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, slog.String("trace_id", sc.TraceID().String()))
	}
	slog.InfoContext(ctx, "audit", append(fields, attrs...)...)
}
