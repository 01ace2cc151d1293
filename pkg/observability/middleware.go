package observability

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records RED metrics and an API-latency SLO observation per
// request, and opens a server span around the handler. Route patterns come
// from the mux after routing, so cardinality stays bounded.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := p.StartSpan(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
		)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(ctx))

		duration := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		attrs := []attribute.KeyValue{
			AttrHTTPRoute.String(route),
			AttrHTTPStatus.Int(rec.status),
			attribute.String("http.request.method", r.Method),
		}
		p.RecordRequest(ctx, attrs...)
		p.RecordDuration(ctx, duration, attrs...)
		if rec.status >= 500 {
			p.RecordError(ctx, errStatus(rec.status), attrs...)
		}
		p.slo.Record(SLOObservation{
			Operation: OpAPIRequest,
			Latency:   duration,
			Success:   rec.status < 500,
		})

		span.SetAttributes(attrs...)
		span.End()
	})
}

type errStatus int

func (e errStatus) Error() string {
	return http.StatusText(int(e))
}
