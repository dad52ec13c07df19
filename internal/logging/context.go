// internal/logging/context.go
package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if s, ok := ctx.Value(stageCtxKey{}).(stageInfo); ok {
		fields = append(fields,
			zap.String("run.stage", s.stage),
			zap.Int("run.attempt", s.attempt),
		)
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	return fields
}

type runCtxKey struct{}
type stageCtxKey struct{}
type requestCtxKey struct{}

type stageInfo struct {
	stage   string
	attempt int
}

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore and dot
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// WithRunID adds the run id to context. Malformed ids are not attached so
// that untrusted envelope data cannot inject log fields.
func WithRunID(ctx context.Context, runID string) context.Context {
	if !validID(runID) {
		return ctx
	}
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext extracts the run id from context.
func RunIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(runCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithStage records the current stage and attempt.
func WithStage(ctx context.Context, stage string, attempt int) context.Context {
	return context.WithValue(ctx, stageCtxKey{}, stageInfo{stage: stage, attempt: attempt})
}

// StageFromContext returns the stage and attempt stored by WithStage.
func StageFromContext(ctx context.Context) (string, int, bool) {
	s, ok := ctx.Value(stageCtxKey{}).(stageInfo)
	return s.stage, s.attempt, ok
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !validID(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
