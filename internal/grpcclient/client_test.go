package grpcclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/brokerstub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/codes"
)

func newStubDialer(t *testing.T, cfg Config, extra ...Option) (*Dialer, *brokerstub.Server) {
	t.Helper()
	schema, err := broker.DefaultSchema()
	if err != nil {
		t.Fatalf("DefaultSchema: %v", err)
	}
	stub, err := brokerstub.New(schema)
	if err != nil {
		t.Fatalf("brokerstub.New: %v", err)
	}
	opts := stub.StartBufconn()
	t.Cleanup(stub.Stop)

	cfg.Target = brokerstub.BufconnTarget
	d, err := NewDialer(cfg, schema, append([]Option{WithDialOptions(opts...)}, extra...)...)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	return d, stub
}

func dial(t *testing.T, d *Dialer) *Client {
	t.Helper()
	c, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewDialerDefaults(t *testing.T) {
	schema, err := broker.DefaultSchema()
	if err != nil {
		t.Fatalf("DefaultSchema: %v", err)
	}
	d, err := NewDialer(Config{Target: "localhost:8080"}, schema)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	cfg := d.Config()
	if cfg.Timeout != defaultTimeout {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, defaultTimeout)
	}
	if cfg.ConnectTimeout != defaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", cfg.ConnectTimeout, defaultConnectTimeout)
	}
	if cfg.SubscribeHold != defaultSubscribeHold {
		t.Errorf("SubscribeHold = %v, want %v", cfg.SubscribeHold, defaultSubscribeHold)
	}
}

func TestNewDialerRequiresSchema(t *testing.T) {
	if _, err := NewDialer(Config{Target: "localhost:8080"}, nil); err == nil {
		t.Fatal("expected error for nil schema")
	}
}

func TestPublishReturnsID(t *testing.T) {
	d, stub := newStubDialer(t, Config{})
	c := dial(t, d)

	resp, err := c.Invoke(context.Background(), broker.NewPublishRequest("sub", []byte("hello"), 30))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("status = %s, want OK", resp.StatusLabel())
	}

	var reply struct {
		ID int32 `json:"id"`
	}
	if err := json.Unmarshal(resp.Message, &reply); err != nil {
		t.Fatalf("decode reply %s: %v", resp.Message, err)
	}
	if reply.ID != 1 {
		t.Errorf("id = %d, want 1", reply.ID)
	}

	calls := stub.CallsFor(broker.MethodPublish)
	if len(calls) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(calls))
	}
	if calls[0].Subject != "sub" || calls[0].ExpirationSeconds != 30 {
		t.Errorf("unexpected call %+v", calls[0])
	}
}

func TestFetchRoundTrip(t *testing.T) {
	d, _ := newStubDialer(t, Config{})
	c := dial(t, d)
	ctx := context.Background()

	if _, err := c.Invoke(ctx, broker.NewPublishRequest("sub", []byte("payload"), 300)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	resp, err := c.Invoke(ctx, broker.NewFetchRequest("sub", 1))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(resp.Body) != "payload" {
		t.Errorf("body = %q, want payload", resp.Body)
	}
}

func TestFetchDiscardsBodies(t *testing.T) {
	d, _ := newStubDialer(t, Config{DiscardResponseBodies: true})
	c := dial(t, d)
	ctx := context.Background()

	if _, err := c.Invoke(ctx, broker.NewPublishRequest("sub", []byte("payload"), 300)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	resp, err := c.Invoke(ctx, broker.NewFetchRequest("sub", 1))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Body != nil {
		t.Errorf("body = %q, want nil when discarding", resp.Body)
	}
}

func TestFetchUnknownIDKeepsStatus(t *testing.T) {
	d, _ := newStubDialer(t, Config{})
	c := dial(t, d)

	resp, err := c.Invoke(context.Background(), broker.NewFetchRequest("sub", 99))
	if err == nil {
		t.Fatal("expected error for unknown id")
	}
	if resp == nil {
		t.Fatal("expected non-nil response carrying the status")
	}
	if resp.Status != codes.InvalidArgument {
		t.Errorf("status = %s, want InvalidArgument", resp.Status)
	}
	if resp.OK() {
		t.Error("OK() = true for failed call")
	}
}

func TestPublishFailureStatus(t *testing.T) {
	d, stub := newStubDialer(t, Config{})
	stub.FailPublishWith(codes.Unavailable)
	c := dial(t, d)

	resp, err := c.Invoke(context.Background(), broker.NewPublishRequest("sub", []byte("x"), 30))
	if err == nil {
		t.Fatal("expected error")
	}
	if resp.Status != codes.Unavailable {
		t.Errorf("status = %s, want Unavailable", resp.Status)
	}
	if got := c.Metrics().Errors; got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestSubscribeHoldElapsedIsOK(t *testing.T) {
	d, _ := newStubDialer(t, Config{SubscribeHold: 100 * time.Millisecond})
	c := dial(t, d)

	resp, err := c.Invoke(context.Background(), broker.NewSubscribeRequest("sub"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !resp.OK() {
		t.Errorf("status = %s, want OK", resp.StatusLabel())
	}
	if resp.Messages != 0 {
		t.Errorf("messages = %d, want 0", resp.Messages)
	}
}

func TestSubscribeSlowBrokerErrorIsReported(t *testing.T) {
	d, stub := newStubDialer(t, Config{SubscribeHold: 50 * time.Millisecond})
	stub.FailSubscribeWith(codes.Unavailable, 200*time.Millisecond)
	c := dial(t, d)

	resp, err := c.Invoke(context.Background(), broker.NewSubscribeRequest("sub"))
	if err == nil {
		t.Fatal("expected the broker's error, got nil")
	}
	if resp == nil || resp.Status != codes.Unavailable {
		t.Fatalf("resp = %+v, want status Unavailable", resp)
	}
	if resp.Messages != 0 {
		t.Errorf("messages = %d, want 0", resp.Messages)
	}
}

func TestSubscribeWithoutHeaderHitsTimeout(t *testing.T) {
	d, stub := newStubDialer(t, Config{Timeout: 100 * time.Millisecond, SubscribeHold: 20 * time.Millisecond})
	stub.FailSubscribeWith(codes.Unavailable, 5*time.Second)
	c := dial(t, d)

	resp, err := c.Invoke(context.Background(), broker.NewSubscribeRequest("sub"))
	if err == nil {
		t.Fatal("expected a deadline error, got nil")
	}
	if resp.Status != codes.DeadlineExceeded {
		t.Errorf("status = %s, want DeadlineExceeded", resp.Status)
	}
}

func TestSubscribeReceivesPublished(t *testing.T) {
	d, stub := newStubDialer(t, Config{SubscribeHold: 5 * time.Second, SubscribeMaxMessages: 1})
	sub := dial(t, d)
	pub := dial(t, d)

	var (
		wg   sync.WaitGroup
		resp *broker.Response
		err  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err = sub.Invoke(context.Background(), broker.NewSubscribeRequest("sub"))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(stub.CallsFor(broker.MethodSubscribe)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, perr := pub.Invoke(context.Background(), broker.NewPublishRequest("sub", []byte("fan-out"), 300)); perr != nil {
		t.Fatalf("publish: %v", perr)
	}
	wg.Wait()

	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if resp.Messages != 1 {
		t.Errorf("messages = %d, want 1", resp.Messages)
	}
	if string(resp.Body) != "fan-out" {
		t.Errorf("body = %q, want fan-out", resp.Body)
	}
}

func TestDialUnreachableFails(t *testing.T) {
	schema, err := broker.DefaultSchema()
	if err != nil {
		t.Fatalf("DefaultSchema: %v", err)
	}
	d, err := NewDialer(Config{Target: "127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond}, schema)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	c, err := d.Dial(context.Background())
	if err == nil {
		c.Close()
		t.Fatal("expected dial error for unreachable target")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d, _ := newStubDialer(t, Config{})
	c, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.Invoke(context.Background(), broker.NewSubscribeRequest("sub")); err == nil {
		t.Fatal("expected error invoking a closed client")
	}
}

func TestInvokeNilRequest(t *testing.T) {
	d, _ := newStubDialer(t, Config{})
	c := dial(t, d)
	if _, err := c.Invoke(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil request")
	}
}

func TestClientConcurrentMetricsAccess(t *testing.T) {
	d, _ := newStubDialer(t, Config{})
	c := dial(t, d)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Invoke(context.Background(), broker.NewPublishRequest("sub", []byte("x"), 30))
			_ = c.Metrics()
		}()
	}
	wg.Wait()
	if got := c.Metrics().BytesSent; got == 0 {
		t.Error("expected bytes sent to be tracked")
	}
}

func TestTraceContextPropagation(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tests := []struct {
		name      string
		propagate bool
	}{
		{"propagating", true},
		{"not propagating", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, stub := newStubDialer(t, Config{}, WithTracing(tp.Tracer("test"), tt.propagate))
			c := dial(t, d)
			if _, err := c.Invoke(context.Background(), broker.NewPublishRequest("sub", []byte("x"), 30)); err != nil {
				t.Fatalf("publish: %v", err)
			}
			calls := stub.CallsFor(broker.MethodPublish)
			if len(calls) != 1 {
				t.Fatalf("publish calls = %d, want 1", len(calls))
			}
			if calls[0].Traced != tt.propagate {
				t.Errorf("Traced = %v, want %v", calls[0].Traced, tt.propagate)
			}
		})
	}
}

func TestMetadataIsSent(t *testing.T) {
	d, stub := newStubDialer(t, Config{Metadata: map[string]string{"x-run": "42"}})
	c := dial(t, d)
	if _, err := c.Invoke(context.Background(), broker.NewPublishRequest("sub", []byte("x"), 30)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	calls := stub.CallsFor(broker.MethodPublish)
	if len(calls) != 1 || calls[0].Metadata["x-run"] != "42" {
		t.Errorf("calls = %+v, want x-run metadata", calls)
	}
}

func TestDialerTotalsAccumulateOnClose(t *testing.T) {
	d, _ := newStubDialer(t, Config{})

	for i := 0; i < 2; i++ {
		c := dial(t, d)
		if _, err := c.Invoke(context.Background(), broker.NewPublishRequest("sub", []byte("payload"), 30)); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if err := c.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		_ = c.Close()
	}

	totals, closed := d.Totals()
	if closed != 2 {
		t.Errorf("closed = %d, want 2", closed)
	}
	if totals.MessagesSent != 2 {
		t.Errorf("MessagesSent = %d, want 2", totals.MessagesSent)
	}
	if totals.BytesSent == 0 {
		t.Error("expected bytes sent in totals")
	}
}
