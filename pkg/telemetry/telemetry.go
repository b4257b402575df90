// Package telemetry wires OpenTelemetry tracing for worker invocations
// and exposes the span store the trace poller reads. Some workers execute
// tool calls entirely inside the remote provider; those calls are only
// visible as spans correlated to the session's trace-correlation id,
// which is why the poller path exists at all.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationIDKey tags every invocation span with the session's
// trace-correlation id so the poller can query by it.
const CorrelationIDKey = attribute.Key("session.correlation_id")

const tracerName = "github.com/fieldwork-ai/fieldwork"

// Provider bundles the tracer provider with the in-process recorder.
type Provider struct {
	tp       *sdktrace.TracerProvider
	recorder *Recorder
}

// Init sets up tracing. Spans are always recorded in-process for the
// trace poller; when otlpEndpoint is non-empty they are additionally
// exported over OTLP/HTTP.
func Init(ctx context.Context, otlpEndpoint string) (*Provider, error) {
	recorder := NewRecorder()

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSyncer(recorder),
	}

	if otlpEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, recorder: recorder}, nil
}

// Tracer returns the module tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(tracerName)
}

// Recorder returns the span store backing the trace poller.
func (p *Provider) Recorder() *Recorder {
	return p.recorder
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
