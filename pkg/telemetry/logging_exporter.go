package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// requestIDKey is lifted out of the attribute dict so span lines join request log lines.
const requestIDKey attribute.Key = "request.id"

// spanLogger writes one log line per finished span. Failed spans are logged at warn level.
type spanLogger struct {
	logger zerolog.Logger
}

func newSpanLogger(logger zerolog.Logger) sdktrace.SpanExporter {
	return &spanLogger{logger: logger}
}

func (l *spanLogger) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		l.logSpan(span)
	}
	return nil
}

func (l *spanLogger) logSpan(span sdktrace.ReadOnlySpan) {
	event := l.logger.Debug()
	status := span.Status()
	if status.Code == codes.Error {
		event = l.logger.Warn().Str("error", status.Description)
	}

	sc := span.SpanContext()
	event = event.
		Str("trace_id", sc.TraceID().String()).
		Str("span", span.Name()).
		Dur("duration", span.EndTime().Sub(span.StartTime()))
	if parent := span.Parent(); parent.IsValid() {
		event = event.Str("parent_span_id", parent.SpanID().String())
	}

	attrs := zerolog.Dict()
	var n int
	for _, attr := range span.Attributes() {
		if attr.Key == requestIDKey {
			event = event.Str("request_id", attr.Value.AsString())
			continue
		}
		attrs = attrs.Interface(string(attr.Key), attr.Value.AsInterface())
		n++
	}
	if n > 0 {
		event = event.Dict("attrs", attrs)
	}
	if events := span.Events(); len(events) > 0 {
		names := make([]string, 0, len(events))
		for _, e := range events {
			names = append(names, e.Name)
		}
		event = event.Strs("events", names)
	}
	event.Msg("Span finished")
}

func (l *spanLogger) Shutdown(context.Context) error { return nil }

func (l *spanLogger) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*spanLogger)(nil)
