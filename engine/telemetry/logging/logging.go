package logging

import (
	"context"
	"log/slog"

	internaltracing "github.com/loopfield/fsrt/engine/telemetry/tracing"
)

// Logger is a minimal interface wrapper allowing correlation injection.
// The five levels mirror the worker control-channel log record severities
// (debug|info|warning|error|critical) so a Logger can sit directly behind
// the controller's worker log multiplexer.
type Logger interface {
	DebugCtx(ctx context.Context, msg string, attrs ...any)
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
	CriticalCtx(ctx context.Context, msg string, attrs ...any)
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapper.
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) correlate(ctx context.Context, attrs []any) []any {
	traceID, spanID := internaltracing.ExtractIDs(ctx)
	if traceID != "" || spanID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
	}
	return attrs
}

func (l *correlatedLogger) DebugCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.DebugContext(ctx, msg, l.correlate(ctx, attrs)...)
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, l.correlate(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, l.correlate(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, l.correlate(ctx, attrs)...)
}

// CriticalCtx logs at error level with a critical=true attribute; slog has
// no level above Error, matching the teacher's use of slog's four built-in
// levels for everything.
func (l *correlatedLogger) CriticalCtx(ctx context.Context, msg string, attrs ...any) {
	attrs = append(attrs, slog.Bool("critical", true))
	l.base.ErrorContext(ctx, msg, l.correlate(ctx, attrs)...)
}
