// Package tracing initializes OpenTelemetry with OTLP gRPC export and
// provides span helpers for the task pipeline.
package tracing

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/taskrelay/taskrelay"

// Semantic attributes for task spans.
func TaskID(id string) attribute.KeyValue      { return attribute.String("taskrelay.task.id", id) }
func TaskKind(kind string) attribute.KeyValue  { return attribute.String("taskrelay.task.kind", kind) }
func TaskQueue(q string) attribute.KeyValue    { return attribute.String("taskrelay.task.queue", q) }
func TaskAttempt(n int) attribute.KeyValue     { return attribute.Int("taskrelay.task.attempt", n) }
func BatchID(id string) attribute.KeyValue     { return attribute.String("taskrelay.batch.id", id) }

// Tracer returns the shared tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartConsumerSpan starts a span for processing a received message.
func StartConsumerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...))
}

// RecordError records err on the span and marks it as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK marks the span as successful.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Setup initializes OpenTelemetry tracing. It reads the standard
// OTEL_EXPORTER_OTLP_ENDPOINT variable with RELAY_OTEL_ENDPOINT as an
// override; when neither is set tracing is a no-op. Returns a shutdown
// function that flushes pending spans.
func Setup(serviceName string) (func(), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if ep := os.Getenv("RELAY_OTEL_ENDPOINT"); ep != "" {
		endpoint = ep
	}

	if endpoint == "" && os.Getenv("RELAY_OTEL_ENABLED") != "true" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func() {}, nil
	}

	ctx := context.Background()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
	if endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}, nil
}
