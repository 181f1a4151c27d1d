package observability

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the global tracer used for the application.
var Tracer trace.Tracer = otel.Tracer("learnora-feedsync")

// refreshKindKey tags scheduler spans; background polls are sampled separately.
const refreshKindKey = attribute.Key("refresh.kind")

// TracingConfig holds configuration for initializing the tracer.
type TracingConfig struct {
	ServiceName      string
	ServiceVersion   string
	Environment      string
	Enabled          bool
	Exporter         string // "stdout" or "otlp"
	OTLPEndpoint     string
	SamplerRatio     float64
	PollSamplerRatio float64 // scheduler poll spans
	BackendURL       string
	InstanceID       string
}
// InitTracing installs a tracer provider for the feed sync process and returns its
// shutdown func. When tracing is disabled the global no-op provider stays in place.
func InitTracing(cfg TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		Tracer = otel.Tracer(cfg.ServiceName)
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing exporter: %w", err)
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	Tracer = tp.Tracer(cfg.ServiceName)

	return tp.Shutdown, nil
}

func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Exporter == "otlp" {
		return otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	}
	return stdouttrace.New(stdouttrace.WithPrettyPrint())
}

func newResource(cfg TracingConfig) (*resource.Resource, error) {
	instance := cfg.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.ServiceInstanceID(instance),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	if cfg.BackendURL != "" {
		attrs = append(attrs, attribute.String("learnora.backend.url", cfg.BackendURL))
	}
	return resource.New(context.Background(), resource.WithAttributes(attrs...))
}

// newSampler samples user-driven spans at SamplerRatio and background poll spans at
// PollSamplerRatio. Child spans follow their parent.
func newSampler(cfg TracingConfig) sdktrace.Sampler {
	return sdktrace.ParentBased(pollAwareSampler{
		base: ratioSampler(cfg.SamplerRatio),
		poll: ratioSampler(cfg.PollSamplerRatio),
	})
}

func ratioSampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

type pollAwareSampler struct {
	base sdktrace.Sampler
	poll sdktrace.Sampler
}

func (s pollAwareSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, kv := range p.Attributes {
		if kv.Key == refreshKindKey && kv.Value.AsString() == "poll" {
			return s.poll.ShouldSample(p)
		}
	}
	return s.base.ShouldSample(p)
}

func (s pollAwareSampler) Description() string {
	return fmt.Sprintf("PollAware{base:%s,poll:%s}", s.base.Description(), s.poll.Description())
}

// Span wraps an OpenTelemetry span for convenience.
type Span struct {
	span trace.Span
}

// StartClientSpan starts a client span for an outgoing backend call.
func StartClientSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	ctx, span := Tracer.Start(ctx, "api."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attrs...)
	return ctx, &Span{span: span}
}

// StartInternalSpan starts an internal span (scheduler ticks, reconciliation).
func StartInternalSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	ctx, span := Tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, &Span{span: span}
}

// AddAttributes sets attributes on the span.
func (s *Span) AddAttributes(attrs ...attribute.KeyValue) {
	if s.span != nil {
		s.span.SetAttributes(attrs...)
	}
}

// SetError records the error on the span and sets span status to Error.
func (s *Span) SetError(err error) {
	if s.span != nil && err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

// End ends the span.
func (s *Span) End() {
	if s.span != nil {
		s.span.End()
	}
}

// TraceID returns the trace ID of the span.
func (s *Span) TraceID() string {
	if s.span != nil {
		return s.span.SpanContext().TraceID().String()
	}
	return ""
}
