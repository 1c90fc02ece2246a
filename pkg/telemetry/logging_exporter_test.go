package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func logSpans(t *testing.T, fn func(ctx context.Context, provider *sdktrace.TracerProvider)) []map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(newSpanLogger(logger)))

	ctx := context.Background()
	fn(ctx, provider)
	require.NoError(t, provider.Shutdown(ctx))

	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		lines = append(lines, entry)
	}
	return lines
}

func TestSpanLoggerLiftsRequestID(t *testing.T) {
	lines := logSpans(t, func(ctx context.Context, provider *sdktrace.TracerProvider) {
		_, span := provider.Tracer("test").Start(ctx, "POST /v1/credentials")
		span.SetAttributes(
			attribute.String("request.id", "req-1"),
			attribute.Int("http.status_code", 200),
		)
		span.End()
	})

	require.Len(t, lines, 1)
	entry := lines[0]
	require.Equal(t, "debug", entry["level"])
	require.Equal(t, "POST /v1/credentials", entry["span"])
	require.Equal(t, "req-1", entry["request_id"])
	attrs := entry["attrs"].(map[string]any)
	require.EqualValues(t, 200, attrs["http.status_code"])
	require.NotContains(t, attrs, "request.id")
}

func TestSpanLoggerWarnsOnFailedSpans(t *testing.T) {
	lines := logSpans(t, func(ctx context.Context, provider *sdktrace.TracerProvider) {
		ctx, parent := provider.Tracer("test").Start(ctx, "health.tick")
		_, child := provider.Tracer("test").Start(ctx, "agent.scan")
		child.AddEvent("http.error")
		child.SetStatus(codes.Error, "scan timed out")
		child.End()
		parent.End()
	})

	require.Len(t, lines, 2)
	child := lines[0]
	require.Equal(t, "warn", child["level"])
	require.Equal(t, "scan timed out", child["error"])
	require.Equal(t, []any{"http.error"}, child["events"])
	require.NotEmpty(t, child["parent_span_id"])

	parent := lines[1]
	require.Equal(t, "debug", parent["level"])
	require.NotContains(t, parent, "attrs")
	require.Equal(t, child["trace_id"], parent["trace_id"])
}
