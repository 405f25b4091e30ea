package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/store-api/internal/platform/requestctx"
)

// NewLogger builds the JSON logger used in production. Keys follow Cloud Logging's structured
// payload conventions (severity, message, timestamp). An empty or unknown level means info.
func NewLogger(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if level = strings.TrimSpace(level); level != "" {
		if parsed, err := zapcore.ParseLevel(level); err == nil {
			atomic.SetLevel(parsed)
		}
	}
	cfg := zap.Config{
		Level:    atomic,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "severity",
			MessageKey:     "message",
			CallerKey:      "caller",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel:    severityEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// severityEncoder maps zap levels onto Cloud Logging severities.
func severityEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.DebugLevel:
		enc.AppendString("DEBUG")
	case zapcore.InfoLevel:
		enc.AppendString("INFO")
	case zapcore.WarnLevel:
		enc.AppendString("WARNING")
	case zapcore.ErrorLevel:
		enc.AppendString("ERROR")
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		enc.AppendString("CRITICAL")
	case zapcore.FatalLevel:
		enc.AppendString("ALERT")
	default:
		enc.AppendString("DEFAULT")
	}
}

// EventLogger turns zap into the func(ctx, event, fields) hook services log through. The request
// logger wins when present so request and trace ids travel with service events. The level comes
// from the event name: ".failed" is an error; missing, cancelled and stale are warnings.
func EventLogger(base *zap.Logger) func(context.Context, string, map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := base
		if scoped := requestctx.Logger(ctx); scoped != requestctx.NoopLogger() {
			logger = scoped
		}
		ce := logger.Check(eventLevel(event), event)
		if ce == nil {
			return
		}
		zfields := make([]zap.Field, 0, len(fields)+1)
		zfields = append(zfields, zap.String("event", event))
		for key, value := range fields {
			if err, ok := value.(error); ok {
				zfields = append(zfields, zap.NamedError(key, err))
				continue
			}
			zfields = append(zfields, zap.Any(key, value))
		}
		ce.Write(zfields...)
	}
}

func eventLevel(event string) zapcore.Level {
	switch {
	case strings.HasSuffix(event, ".failed"):
		return zapcore.ErrorLevel
	case strings.Contains(event, "missing"), strings.Contains(event, "cancelled"), strings.Contains(event, "stale"):
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
