package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"authcore.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogSink writes each event as one structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Write(ctx context.Context, ev Event) error {
	rec := Describe(ev)
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", rec.Event),
		slog.String("event_id", rec.ID),
		slog.String("ts", rec.OccurredAt.Format(time.RFC3339Nano)),
		slog.String("resource_type", rec.ResourceType),
		slog.String("resource_id", rec.ResourceID),
	}
	if rec.Actor != "" {
		attrs = append(attrs, slog.String("actor", rec.Actor))
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	attrs = append(attrs, slog.Any("fields", rec.Fields))
	obs.Resolve(s.Logger).LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}
