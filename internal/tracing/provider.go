// Package tracing sets up OpenTelemetry export for broker calls and carries
// W3C trace context in gRPC metadata.
package tracing

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/torosent/brokerload/internal/config"
)

const instrumentationName = "brokerload"

// Provider owns the span pipeline of one run. The zero value traces nothing.
type Provider struct {
	tp        *sdktrace.TracerProvider
	tracer    trace.Tracer
	propagate bool
}

// Option customizes Init.
type Option func(*initOptions)

type initOptions struct {
	exporter sdktrace.SpanExporter
	attrs    []attribute.KeyValue
}

// WithExporter sends spans to exp instead of an OTLP endpoint. Tracing is
// enabled even when no endpoint is configured.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *initOptions) { o.exporter = exp }
}

// WithResourceAttributes adds attributes to every exported span's resource,
// e.g. the broker target of the run.
func WithResourceAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *initOptions) { o.attrs = append(o.attrs, attrs...) }
}

// Init builds the tracer provider for cfg. Without an endpoint or exporter it
// returns a provider whose tracer is a no-op; propagation still follows cfg.
func Init(ctx context.Context, cfg config.TracingConfig, opts ...Option) (*Provider, error) {
	var o initOptions
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return nil, fmt.Errorf("tracing sample_rate must be between 0.0 and 1.0, got %g", cfg.SampleRate)
	}

	propagate := cfg.ShouldPropagate()
	exporter := o.exporter
	switch {
	case exporter != nil:
		if cfg.Propagate == nil {
			propagate = true
		}
	case envOr(cfg.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT") == "":
		return &Provider{propagate: propagate}, nil
	default:
		var err error
		if exporter, err = newExporter(ctx, cfg); err != nil {
			return nil, fmt.Errorf("tracing exporter: %w", err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cmp.Or(envOr(cfg.ServiceName, "OTEL_SERVICE_NAME"), instrumentationName))),
		resource.WithAttributes(o.attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &Provider{tp: tp, tracer: tp.Tracer(instrumentationName), propagate: propagate}, nil
}

// envOr returns the trimmed value, or the environment variable when value is blank.
func envOr(value, env string) string {
	return strings.TrimSpace(cmp.Or(strings.TrimSpace(value), os.Getenv(env)))
}

// sampler keeps rate of new traces: 0 keeps none, 1 keeps all.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Tracer returns the configured tracer, or a no-op tracer when tracing is off.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return p.tracer
}

// ShouldPropagate reports whether W3C trace context goes into call metadata.
func (p *Provider) ShouldPropagate() bool {
	return p != nil && p.propagate
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

type exporterFactory func(ctx context.Context, endpoint string, plaintext bool) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"grpc": func(ctx context.Context, endpoint string, plaintext bool) (sdktrace.SpanExporter, error) {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if plaintext {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	"http": func(ctx context.Context, endpoint string, plaintext bool) (sdktrace.SpanExporter, error) {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if plaintext {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	},
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	protocol := strings.ToLower(cmp.Or(strings.TrimSpace(cfg.Protocol), "grpc"))
	factory, ok := exporters[protocol]
	if !ok {
		return nil, fmt.Errorf("unsupported OTLP protocol %q: use \"grpc\" or \"http\"", protocol)
	}
	return factory(ctx, envOr(cfg.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.Insecure)
}
