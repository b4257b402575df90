package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecord is one finished span as seen over the trace-correlation
// boundary: timestamp, name, duration, success and flattened attributes.
type SpanRecord struct {
	SpanID     string            `json:"span_id"`
	Timestamp  time.Time         `json:"timestamp"`
	SpanName   string            `json:"span_name"`
	DurationMs int64             `json:"duration_ms"`
	Success    bool              `json:"success"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// SpanReader is the query-by-correlation-id interface the trace poller
// consumes. Polled, not pushed: results may lag span completion.
type SpanReader interface {
	SpansByCorrelation(ctx context.Context, correlationID string) ([]SpanRecord, error)
}

// Recorder is a SpanExporter that keeps finished spans in memory, indexed
// by correlation id. It stands in for an external observability store.
type Recorder struct {
	mu    sync.RWMutex
	spans map[string][]SpanRecord
}

var (
	_ sdktrace.SpanExporter = (*Recorder)(nil)
	_ SpanReader            = (*Recorder)(nil)
)

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{spans: make(map[string][]SpanRecord)}
}

// ExportSpans implements sdktrace.SpanExporter.
func (r *Recorder) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, span := range spans {
		record := SpanRecord{
			SpanID:     span.SpanContext().SpanID().String(),
			Timestamp:  span.StartTime(),
			SpanName:   span.Name(),
			DurationMs: span.EndTime().Sub(span.StartTime()).Milliseconds(),
			Success:    span.Status().Code != codes.Error,
			Attributes: make(map[string]string),
		}

		correlationID := ""
		for _, attr := range span.Attributes() {
			record.Attributes[string(attr.Key)] = attr.Value.Emit()
			if attr.Key == CorrelationIDKey {
				correlationID = attr.Value.AsString()
			}
		}
		if correlationID == "" {
			continue // not session-correlated, nothing to index it under
		}
		r.spans[correlationID] = append(r.spans[correlationID], record)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (r *Recorder) Shutdown(context.Context) error {
	return nil
}

// SpansByCorrelation returns all recorded spans for a correlation id.
func (r *Recorder) SpansByCorrelation(_ context.Context, correlationID string) ([]SpanRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := r.spans[correlationID]
	out := make([]SpanRecord, len(records))
	copy(out, records)
	return out, nil
}

// Record lets tests and external feeds inject a span directly.
func (r *Recorder) Record(correlationID string, record SpanRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans[correlationID] = append(r.spans[correlationID], record)
}
