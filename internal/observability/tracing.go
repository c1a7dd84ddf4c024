// Package observability provides logging, OpenTelemetry tracing and metrics
// for the object index.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for all index spans.
const TracerName = "github.com/pungggi/bc-al-upgradeassistant-sub000"

// TracingConfig configures the OpenTelemetry tracing.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, tracing is disabled.
	OTLPEndpoint string

	// SampleRate is the trace sampling rate (0.0 to 1.0)
	SampleRate float64
}

// DefaultTracingConfig returns a default tracing configuration.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "alindex",
		ServiceVersion: "dev",
		Environment:    "local",
		SampleRate:     1.0,
	}
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing initializes OpenTelemetry tracing.
// Returns a no-op tracer if OTLPEndpoint is empty.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultTracingConfig()
	}
	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{tracer: otel.Tracer(TracerName)}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(TracerName),
	}, nil
}

// sampler keeps a parent's decision and samples new roots at rate.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes and stops the provider. A no-op provider returns nil.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the underlying tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// Span kinds recorded as alindex.span.kind.
const (
	SpanKindEvent     = "event"
	SpanKindReconcile = "reconcile"
	SpanKindRebuild   = "rebuild"
	SpanKindLink      = "link"
)

func startSpan(ctx context.Context, name, kind string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("alindex.span.kind", kind))
	return otel.Tracer(TracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartEventSpan starts a span for one file event (created, saved, deleted).
func StartEventSpan(ctx context.Context, event, path string) (context.Context, trace.Span) {
	return startSpan(ctx, "event."+event, SpanKindEvent, attribute.String("file.path", path))
}

// StartReconcileSpan starts a span for an identity move.
func StartReconcileSpan(ctx context.Context, from, to string) (context.Context, trace.Span) {
	return startSpan(ctx, "reconcile.move", SpanKindReconcile,
		attribute.String("object.from", from),
		attribute.String("object.to", to),
	)
}

// RecordReconcileResult records how many legacy references moved.
func RecordReconcileResult(span trace.Span, moved, failed int) {
	span.SetAttributes(
		attribute.Int("reconcile.references_moved", moved),
		attribute.Int("reconcile.references_failed", failed),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d reference updates failed", failed))
	}
}

// StartRebuildSpan starts a span for a full index rebuild.
func StartRebuildSpan(ctx context.Context, root string) (context.Context, trace.Span) {
	return startSpan(ctx, "index.rebuild", SpanKindRebuild, attribute.String("index.root", root))
}

// RecordRebuildResult records rebuild counters on a span.
func RecordRebuildResult(span trace.Span, files, indexed, skipped, failed int) {
	span.SetAttributes(
		attribute.Int("rebuild.files", files),
		attribute.Int("rebuild.indexed", indexed),
		attribute.Int("rebuild.skipped", skipped),
		attribute.Int("rebuild.failed", failed),
	)
}

// StartLinkSpan starts a span for linking an object to a legacy file.
func StartLinkSpan(ctx context.Context, op, object, legacy string) (context.Context, trace.Span) {
	return startSpan(ctx, "link."+op, SpanKindLink,
		attribute.String("object", object),
		attribute.String("legacy.file", legacy),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
