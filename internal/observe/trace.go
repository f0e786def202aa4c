package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// scope names the tracer every Bardic span is recorded under. Spans always go
// through the global provider so [InitProvider] and tests can swap it.
const scope = "github.com/MrWong99/bardic"

// GuildKey tags spans and log lines with the guild they concern.
const GuildKey = attribute.Key("guild_id")

// StartSpan opens a span under ctx. End it when the work is done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, name, opts...)
}

// StartGuildSpan opens a span for work on one guild. The logger it returns is
// already tagged with the guild and the new span.
func StartGuildSpan(ctx context.Context, name, guildID string, attrs ...attribute.KeyValue) (context.Context, trace.Span, *slog.Logger) {
	attrs = append(attrs, GuildKey.String(guildID))
	ctx, span := StartSpan(ctx, name, trace.WithAttributes(attrs...))
	return ctx, span, Logger(ctx).With(string(GuildKey), guildID)
}

// CorrelationID is the hex trace ID of the span in ctx, or "" outside a
// trace.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is the default logger, plus trace_id and span_id when ctx carries a
// span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}
