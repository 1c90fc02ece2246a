package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecorder keeps finished spans grouped by name. Tests install it as a span
// processor to assert on what the evaluator and handlers traced.
type SpanRecorder struct {
	mu     sync.Mutex
	byName map[string][]sdktrace.ReadOnlySpan
}

func NewSpanRecorder() *SpanRecorder {
	return &SpanRecorder{byName: map[string][]sdktrace.ReadOnlySpan{}}
}

func (r *SpanRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *SpanRecorder) OnEnd(span sdktrace.ReadOnlySpan) {
	r.mu.Lock()
	r.byName[span.Name()] = append(r.byName[span.Name()], span)
	r.mu.Unlock()
}

func (r *SpanRecorder) Shutdown(context.Context) error   { return nil }
func (r *SpanRecorder) ForceFlush(context.Context) error { return nil }

// Count returns how many spans named name have finished.
func (r *SpanRecorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName[name])
}

// Attribute looks key up on the latest finished span named name.
func (r *SpanRecorder) Attribute(name string, key attribute.Key) (attribute.Value, bool) {
	r.mu.Lock()
	spans := r.byName[name]
	r.mu.Unlock()
	if len(spans) == 0 {
		return attribute.Value{}, false
	}
	for _, kv := range spans[len(spans)-1].Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

var _ sdktrace.SpanProcessor = (*SpanRecorder)(nil)
