package invoke

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldwork-ai/fieldwork/pkg/aggregator"
	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
	"github.com/fieldwork-ai/fieldwork/pkg/telemetry"
	"github.com/fieldwork-ai/fieldwork/pkg/worker"
)

// Intercepted wraps an Invoker so every in-process call is observed the
// instant it happens: a span is recorded for the trace store and a
// tool_call envelope is published synchronously. The trace poller may
// later observe the same span; the shared span dedup key collapses the
// pair to one envelope.
type Intercepted struct {
	inner         Invoker
	tracer        trace.Tracer
	agg           *aggregator.Aggregator
	correlationID string
}

var _ Invoker = (*Intercepted)(nil)

// NewIntercepted builds the per-session interception wrapper.
func NewIntercepted(inner Invoker, tracer trace.Tracer, agg *aggregator.Aggregator, correlationID string) *Intercepted {
	return &Intercepted{
		inner:         inner,
		tracer:        tracer,
		agg:           agg,
		correlationID: correlationID,
	}
}

func (i *Intercepted) Invoke(ctx context.Context, w worker.Worker, task worker.TaskDescription, handle credentials.Handle) (worker.Result, error) {
	ctx, span := i.tracer.Start(ctx, "invoke."+w.Name,
		trace.WithAttributes(
			telemetry.CorrelationIDKey.String(i.correlationID),
			attribute.String("worker.name", w.Name),
			attribute.String("worker.protocol", string(w.Protocol)),
		))

	start := time.Now()
	result, err := i.inner.Invoke(ctx, w, task, handle)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	spanID := span.SpanContext().SpanID().String()
	record := telemetry.SpanRecord{
		SpanID:     spanID,
		Timestamp:  start,
		SpanName:   "invoke." + w.Name,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil,
		Attributes: map[string]string{
			"worker.name":     w.Name,
			"worker.protocol": string(w.Protocol),
		},
	}
	i.agg.Publish(aggregator.KindToolCall, record, aggregator.SpanKey(spanID))

	return result, err
}
