// Package observability wires the telemetry stack: structured logging,
// Prometheus metrics, OpenTelemetry tracing, and the health endpoints.
package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/talosprotocol/talos/internal/config"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: audit store failures, unhandled panics
//   - warn:  denied admin requests, degraded tracing export
//   - info:  grants, delegations, revocations, tenant changes, lifecycle
//   - debug: per-decision details, cache operations
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// DecisionFields returns the standard log fields for one authorize
// decision.
func DecisionFields(tenantID, agentID, tool, method string, allowed bool, reason string) []zap.Field {
	fields := []zap.Field{
		zap.String("tenant_id", tenantID),
		zap.String("agent_id", agentID),
		zap.String("tool", tool),
		zap.String("method", method),
		zap.Bool("allowed", allowed),
	}
	if reason != "" {
		fields = append(fields, zap.String("denial_reason", reason))
	}
	return fields
}

// defaultSensitiveFields is the default set of field names that should be
// redacted in debug logging output.
var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"signature":     true,
	"private_key":   true,
	"api_key":       true,
	"authorization": true,
	"session_id":    true,
}

// RedactArguments returns a copy of a request argument map with sensitive
// fields replaced by "[REDACTED]". The extra list is merged with the default
// sensitive field names. Intended for debug-level logging only.
func RedactArguments(args map[string]any, extra []string) map[string]any {
	if args == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(extra))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range extra {
		redactSet[f] = true
	}

	result := make(map[string]any, len(args))
	for k, v := range args {
		if redactSet[k] {
			result[k] = "[REDACTED]"
		} else if nested, ok := v.(map[string]any); ok {
			result[k] = RedactArguments(nested, extra)
		} else {
			result[k] = v
		}
	}
	return result
}
