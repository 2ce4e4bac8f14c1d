package tracing_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/torosent/brokerload/internal/config"
	"github.com/torosent/brokerload/internal/tracing"
)

func memoryTracer(t *testing.T) (*tracetest.InMemoryExporter, trace.Tracer) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exp, tp.Tracer("brokerload-test")
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestInit(t *testing.T) {
	disabled := false
	tests := []struct {
		name          string
		cfg           config.TracingConfig
		wantErr       bool
		wantPropagate bool
	}{
		{name: "disabled without endpoint", cfg: config.TracingConfig{}},
		{name: "grpc exporter", cfg: config.TracingConfig{Endpoint: "localhost:4317", Protocol: "grpc", ServiceName: "brokerload", SampleRate: 1, Insecure: true}, wantPropagate: true},
		{name: "http exporter", cfg: config.TracingConfig{Endpoint: "localhost:4318", Protocol: "http", Insecure: true}, wantPropagate: true},
		{name: "propagation switched off", cfg: config.TracingConfig{Endpoint: "localhost:4317", Protocol: "grpc", Insecure: true, Propagate: &disabled}},
		{name: "unknown protocol", cfg: config.TracingConfig{Endpoint: "localhost:4317", Protocol: "thrift", Insecure: true}, wantErr: true},
		{name: "negative sample rate", cfg: config.TracingConfig{Endpoint: "localhost:4317", Protocol: "grpc", Insecure: true, SampleRate: -0.5}, wantErr: true},
		{name: "sample rate above one", cfg: config.TracingConfig{Endpoint: "localhost:4317", Protocol: "grpc", Insecure: true, SampleRate: 1.5}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tracing.Init(context.Background(), tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
			assert.Equal(t, tt.wantPropagate, p.ShouldPropagate())
			assert.NotNil(t, p.Tracer())
		})
	}
}

type collectingExporter struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func (e *collectingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	e.spans = append(e.spans, spans...)
	e.mu.Unlock()
	return nil
}

func (e *collectingExporter) Shutdown(context.Context) error { return nil }

func (e *collectingExporter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.spans)
}

func TestInitWithExporterKeepsResourceAttributes(t *testing.T) {
	exp := &collectingExporter{}
	p, err := tracing.Init(context.Background(),
		config.TracingConfig{SampleRate: 1},
		tracing.WithExporter(exp),
		tracing.WithResourceAttributes(attribute.String("broker.target", "localhost:8080")),
	)
	require.NoError(t, err)
	assert.True(t, p.ShouldPropagate())

	_, call := tracing.StartCall(context.Background(), p.Tracer(), "/broker.Broker/Publish", nil)
	call.Finish(codes.OK, 0, nil)
	require.NoError(t, p.Shutdown(context.Background()))

	require.Equal(t, 1, exp.count())
	res := attrMap(exp.spans[0].Resource().Attributes())
	assert.Equal(t, "localhost:8080", res["broker.target"].AsString())
}

func TestZeroSampleRateDropsSpans(t *testing.T) {
	exp := &collectingExporter{}
	p, err := tracing.Init(context.Background(), config.TracingConfig{}, tracing.WithExporter(exp))
	require.NoError(t, err)

	_, call := tracing.StartCall(context.Background(), p.Tracer(), "/broker.Broker/Fetch", nil)
	call.Finish(codes.OK, 0, nil)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Zero(t, exp.count())
}

func TestNilProvider(t *testing.T) {
	var p *tracing.Provider
	assert.False(t, p.ShouldPropagate())
	assert.NoError(t, p.Shutdown(context.Background()))
	_, call := tracing.StartCall(context.Background(), p.Tracer(), "/broker.Broker/Publish", nil)
	call.Finish(codes.Unavailable, 0, errors.New("down"))
}

func TestStartCallNamesSpan(t *testing.T) {
	exp, tracer := memoryTracer(t)
	tests := []struct {
		fullMethod, wantName, wantService, wantMethod string
	}{
		{"/broker.Broker/Publish", "broker.Broker/Publish", "broker.Broker", "Publish"},
		{"/broker.Broker/Subscribe", "broker.Broker/Subscribe", "broker.Broker", "Subscribe"},
		{"", "broker call", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			exp.Reset()
			_, call := tracing.StartCall(context.Background(), tracer, tt.fullMethod, nil, attribute.String("brokerload.scenario", "publishers"))
			call.Finish(codes.OK, 0, nil)

			spans := exp.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, tt.wantName, spans[0].Name)
			assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind)

			attrs := attrMap(spans[0].Attributes)
			assert.Equal(t, "grpc", attrs["rpc.system"].AsString())
			assert.Equal(t, "publishers", attrs["brokerload.scenario"].AsString())
			assert.Equal(t, tt.wantService, attrs["rpc.service"].AsString())
			assert.Equal(t, tt.wantMethod, attrs["rpc.method"].AsString())
		})
	}
}

func TestFinishRecordsOutcome(t *testing.T) {
	exp, tracer := memoryTracer(t)

	_, ok := tracing.StartCall(context.Background(), tracer, "/broker.Broker/Subscribe", nil)
	ok.Finish(codes.OK, 4, nil)
	_, failed := tracing.StartCall(context.Background(), tracer, "/broker.Broker/Fetch", nil)
	failed.Finish(codes.InvalidArgument, 0, errors.New("invalid id"))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)

	assert.Equal(t, otelcodes.Ok, spans[0].Status.Code)
	okAttrs := attrMap(spans[0].Attributes)
	assert.Equal(t, int64(0), okAttrs["rpc.grpc.status_code"].AsInt64())
	assert.Equal(t, int64(4), okAttrs["rpc.stream.messages"].AsInt64())

	assert.Equal(t, otelcodes.Error, spans[1].Status.Code)
	assert.Equal(t, "InvalidArgument", spans[1].Status.Description)
	failedAttrs := attrMap(spans[1].Attributes)
	assert.Equal(t, int64(codes.InvalidArgument), failedAttrs["rpc.grpc.status_code"].AsInt64())
	_, hasMessages := failedAttrs["rpc.stream.messages"]
	assert.False(t, hasMessages)
	require.Len(t, spans[1].Events, 1)
	assert.Equal(t, "exception", spans[1].Events[0].Name)
}

func TestStartCallPropagatesThroughMetadata(t *testing.T) {
	_, tracer := memoryTracer(t)

	md := metadata.MD{}
	_, call := tracing.StartCall(context.Background(), tracer, "/broker.Broker/Publish", md)
	defer call.Finish(codes.OK, 0, nil)

	require.Len(t, md.Get("traceparent"), 1)
	assert.GreaterOrEqual(t, len(md.Get("traceparent")[0]), 55)

	remote := tracing.RemoteSpanContext(context.Background(), md)
	require.True(t, remote.IsValid())
	assert.True(t, remote.IsRemote())
}

func TestRemoteSpanContextWithoutTraceparent(t *testing.T) {
	_, tracer := memoryTracer(t)

	_, call := tracing.StartCall(context.Background(), tracer, "/broker.Broker/Fetch", nil)
	call.Finish(codes.OK, 0, nil)

	md := metadata.Pairs("authorization", "Bearer abc")
	assert.False(t, tracing.RemoteSpanContext(context.Background(), md).IsValid())
	assert.Empty(t, md.Get("traceparent"))
}
