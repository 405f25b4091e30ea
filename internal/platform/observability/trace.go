package observability

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/store-api/internal/platform/requestctx"
)

const (
	instrumentationName = "github.com/hanko-field/store-api/internal/platform/observability"
	cloudTraceHeader    = "X-Cloud-Trace-Context"
)

var (
	tracer     = otel.Tracer(instrumentationName)
	propagator = propagation.TraceContext{}
)

// TraceMiddleware starts one server span per request. The parent comes from traceparent or, for
// requests that crossed a Google front end without it, from X-Cloud-Trace-Context. The span is renamed
// to the matched route once routing completes (see RequestLoggerMiddleware).
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			if !trace.SpanContextFromContext(ctx).IsValid() {
				if parent, ok := cloudTraceParent(r.Header.Get(cloudTraceHeader)); ok {
					ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
				}
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			sc := span.SpanContext()
			ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			})
			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// cloudTraceParent parses TRACE_ID/SPAN_ID;o=OPTIONS. Span ids in this header are decimal.
func cloudTraceParent(header string) (trace.SpanContext, bool) {
	traceHex, rest, ok := strings.Cut(strings.TrimSpace(header), "/")
	if !ok {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := decimalSpanID(spanPart)
	if !ok {
		return trace.SpanContext{}, false
	}
	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

func decimalSpanID(value string) (trace.SpanID, bool) {
	var n uint64
	value = strings.TrimSpace(value)
	if value == "" || len(value) > 20 {
		return trace.SpanID{}, false
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return trace.SpanID{}, false
		}
		next := n*10 + uint64(c-'0')
		if next < n {
			return trace.SpanID{}, false
		}
		n = next
	}
	var id trace.SpanID
	for i := 7; i >= 0; i-- {
		id[i] = byte(n)
		n >>= 8
	}
	return id, id.IsValid()
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("url.scheme", scheme),
		attribute.String("url.path", r.URL.Path),
	}
	if r.Host != "" {
		attrs = append(attrs, attribute.String("server.address", r.Host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", cleanField(ua, 256)))
	}
	if r.Header.Get("Idempotency-Key") != "" {
		attrs = append(attrs, attribute.Bool("store.idempotent_request", true))
	}
	return attrs
}
