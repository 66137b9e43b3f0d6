package main

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInstallTracingGivesSpansRealIDs(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	exporter := tracetest.NewInMemoryExporter()
	tp := newTracerProvider(1, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	installTracing(tp)

	_, span := otel.Tracer("test").Start(context.Background(), "GET /tasks")
	sc := span.SpanContext()
	span.End()

	if !sc.TraceID().IsValid() || !sc.SpanID().IsValid() {
		t.Fatalf("expected valid trace and span ids, got %s/%s", sc.TraceID(), sc.SpanID())
	}
	if !sc.IsSampled() {
		t.Fatal("expected span to be sampled at ratio 1")
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 exported span, got %d", len(spans))
	}
	if v, ok := spans[0].Resource.Set().Value("service.name"); !ok || v.AsString() != serviceName {
		t.Fatalf("unexpected service.name resource: %v", v)
	}
}

func TestTracerProviderZeroRatioStillAssignsIDs(t *testing.T) {
	tp := newTracerProvider(0)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "GET /tasks")
	defer span.End()
	sc := span.SpanContext()
	if !sc.TraceID().IsValid() {
		t.Fatal("expected a valid trace id for unsampled spans")
	}
	if sc.IsSampled() {
		t.Fatal("expected span not to be sampled at ratio 0")
	}
}
