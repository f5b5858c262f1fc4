package app

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func newTracerProvider(serviceName, version string, exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSyncer(exporter),
	)
}

// spanLogExporter writes finished spans to the structured log, so a CLI run
// carries its trace without a collector.
type spanLogExporter struct {
	logger *slog.Logger
}

func newSpanLogExporter(logger *slog.Logger) *spanLogExporter {
	return &spanLogExporter{logger: logger}
}

func (e *spanLogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		attrs := make(map[string]any, len(span.Attributes()))
		for _, kv := range span.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		e.logger.LogAttrs(ctx, slog.LevelDebug, "span",
			slog.String("name", span.Name()),
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
			slog.String("parent_span_id", span.Parent().SpanID().String()),
			slog.String("status", span.Status().Code.String()),
			slog.Int64("duration_ms", span.EndTime().Sub(span.StartTime()).Milliseconds()),
			slog.Int("events", len(span.Events())),
			slog.Any("attributes", attrs),
		)
	}
	return nil
}

func (e *spanLogExporter) Shutdown(context.Context) error {
	return nil
}
