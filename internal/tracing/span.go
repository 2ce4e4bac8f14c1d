package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

const fallbackSpanName = "broker call"

// Call is the client span of one broker RPC.
type Call struct {
	span trace.Span
}

// StartCall opens a client span for fullMethod ("/broker.Broker/Publish").
// When md is non-nil the span's W3C trace context is written into it, so the
// caller can send md as outgoing metadata.
func StartCall(ctx context.Context, tracer trace.Tracer, fullMethod string, md metadata.MD, attrs ...attribute.KeyValue) (context.Context, *Call) {
	name, service, method := splitFullMethod(fullMethod)
	kvs := append([]attribute.KeyValue{attribute.String("rpc.system", "grpc")}, attrs...)
	if method != "" {
		kvs = append(kvs, attribute.String("rpc.service", service), attribute.String("rpc.method", method))
	}
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(kvs...))
	if md != nil {
		otel.GetTextMapPropagator().Inject(ctx, mdCarrier(md))
	}
	return ctx, &Call{span: span}
}

func splitFullMethod(fullMethod string) (name, service, method string) {
	name = strings.TrimPrefix(fullMethod, "/")
	if name == "" {
		return fallbackSpanName, "", ""
	}
	service, method, _ = strings.Cut(name, "/")
	return name, service, method
}

// Finish records the gRPC status and, for streams, the number of messages
// received, then ends the span.
func (c *Call) Finish(code codes.Code, messages int, err error) {
	c.span.SetAttributes(attribute.Int("rpc.grpc.status_code", int(code)))
	if messages > 0 {
		c.span.SetAttributes(attribute.Int("rpc.stream.messages", messages))
	}
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(otelcodes.Error, code.String())
	} else {
		c.span.SetStatus(otelcodes.Ok, "")
	}
	c.span.End()
}

// RemoteSpanContext returns the span context a client propagated in md, which
// is invalid when none was sent.
func RemoteSpanContext(ctx context.Context, md metadata.MD) trace.SpanContext {
	return trace.SpanContextFromContext(otel.GetTextMapPropagator().Extract(ctx, mdCarrier(md)))
}

// mdCarrier lets the OTel propagators read and write gRPC metadata.
type mdCarrier metadata.MD

func (c mdCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c mdCarrier) Set(key, value string) { metadata.MD(c).Set(key, value) }

func (c mdCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
