package observability

import (
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/store-api/internal/platform/httpx"
	"github.com/hanko-field/store-api/internal/platform/requestctx"
)

// InjectLoggerMiddleware makes logger the request-scoped logger.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

type requestMetrics struct {
	duration metric.Float64Histogram
}

func newRequestMetrics(meter metric.Meter) requestMetrics {
	duration, err := meter.Float64Histogram("http.server.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of HTTP requests by route and status"),
	)
	if err != nil {
		otel.Handle(err)
	}
	return requestMetrics{duration: duration}
}

func (m requestMetrics) record(r *http.Request, route string, status int, elapsed time.Duration) {
	if m.duration == nil {
		return
	}
	m.duration.Record(r.Context(), elapsed.Seconds(), metric.WithAttributes(
		attribute.String("http.request.method", r.Method),
		attribute.String("http.route", route),
		attribute.Int("http.response.status_code", status),
	))
}

// RequestLoggerMiddleware binds request id and trace to the request logger, then logs one
// completion line per request carrying the matched route, the order or provider the route addressed,
// the status and the latency. The server span is renamed to the route and closed with the status.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	metrics := newRequestMetrics(otel.GetMeterProvider().Meter(instrumentationName))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			traceInfo, _ := requestctx.Trace(ctx)
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", cleanField(r.Method, 10)),
				zap.String("trace_id", traceInfo.TraceID),
			}
			if traceInfo.ProjectID == "" {
				traceInfo.ProjectID = projectID
			}
			if resource := traceInfo.CloudLoggingTrace(); resource != "" {
				fields = append(fields, zap.String("logging.googleapis.com/trace", resource))
			}
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				fields = append(fields, zap.String("remote_ip", cleanField(host, 64)))
			}
			logger := requestctx.Logger(ctx).With(fields...)
			ctx = requestctx.WithLogger(ctx, logger)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			completed := false
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if !completed {
					status = http.StatusInternalServerError
				}
				elapsed := time.Since(start)
				route := SanitizeRoute(matchedRoute(r))

				span := trace.SpanFromContext(ctx)
				span.SetName(r.Method + " " + route)
				span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status))
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}
				metrics.record(r, route, status, elapsed)

				done := append(routeFields(r),
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", elapsed),
					zap.Int("bytes", ww.BytesWritten()),
				)
				logger.Check(completionLevel(status), "request completed").Write(done...)
			}()

			next.ServeHTTP(ww, r.WithContext(ctx))
			completed = true
		})
	}
}

func completionLevel(status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// routeFields reports the order or payment provider a request addressed.
func routeFields(r *http.Request) []zap.Field {
	var fields []zap.Field
	if orderID := chi.URLParam(r, "orderID"); orderID != "" {
		fields = append(fields, zap.String("order_id", SanitizeUserID(orderID)))
	}
	if provider := chi.URLParam(r, "provider"); provider != "" {
		fields = append(fields, zap.String("payment_provider", SanitizeUserID(provider)))
	}
	return fields
}

func matchedRoute(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// RecoveryMiddleware turns a panic into a logged stack trace and a 500 JSON envelope.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
