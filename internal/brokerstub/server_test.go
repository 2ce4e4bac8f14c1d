package brokerstub

import (
	"context"
	"testing"
	"time"

	"github.com/jhump/protoreflect/dynamic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"

	"github.com/torosent/brokerload/internal/broker"
)

type stubClient struct {
	t      *testing.T
	schema *broker.Schema
	conn   *grpc.ClientConn
}

func startStub(t *testing.T) (*Server, *stubClient) {
	t.Helper()
	s, err := New(nil)
	require.NoError(t, err)
	opts := s.StartBufconn()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient(BufconnTarget, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return s, &stubClient{t: t, schema: s.schema, conn: conn}
}

func (c *stubClient) invoke(ctx context.Context, req broker.Request) (*dynamic.Message, error) {
	c.t.Helper()
	in, err := c.schema.NewRequestMessage(req)
	require.NoError(c.t, err)
	out, err := c.schema.NewResponseMessage(req.Method())
	require.NoError(c.t, err)
	err = c.conn.Invoke(ctx, req.Method().FullName(), protoadapt.MessageV2Of(in), protoadapt.MessageV2Of(out))
	return out, err
}

func (c *stubClient) publish(subject, body string, ttl int32) int32 {
	c.t.Helper()
	out, err := c.invoke(context.Background(), broker.NewPublishRequest(subject, []byte(body), ttl))
	require.NoError(c.t, err)
	id, err := out.TryGetFieldByName("id")
	require.NoError(c.t, err)
	return id.(int32)
}

func TestPublishThenFetch(t *testing.T) {
	_, c := startStub(t)

	first := c.publish("orders", "one", 30)
	second := c.publish("orders", "two", 30)
	assert.Equal(t, int32(1), first)
	assert.Equal(t, int32(2), second)

	out, err := c.invoke(context.Background(), broker.NewFetchRequest("orders", second))
	require.NoError(t, err)
	body, err := out.TryGetFieldByName("body")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), body)
}

func TestFetchRejectsUnknownIDs(t *testing.T) {
	_, c := startStub(t)
	id := c.publish("orders", "one", 30)

	tests := []struct {
		name    string
		subject string
		id      int32
	}{
		{"missing id", "orders", id + 100},
		{"zero id", "orders", 0},
		{"other subject", "payments", id},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.invoke(context.Background(), broker.NewFetchRequest(tt.subject, tt.id))
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestFetchExpiredMessage(t *testing.T) {
	s, c := startStub(t)
	base := time.Now()
	s.mu.Lock()
	s.now = func() time.Time { return base }
	s.mu.Unlock()

	id := c.publish("orders", "one", 30)

	s.mu.Lock()
	s.now = func() time.Time { return base.Add(31 * time.Second) }
	s.mu.Unlock()

	_, err := c.invoke(context.Background(), broker.NewFetchRequest("orders", id))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, err.Error(), "expired message")
}

func TestFailPublishWith(t *testing.T) {
	s, c := startStub(t)
	s.FailPublishWith(codes.Unavailable)

	_, err := c.invoke(context.Background(), broker.NewPublishRequest("orders", []byte("x"), 30))
	assert.Equal(t, codes.Unavailable, status.Code(err))

	s.FailPublishWith(codes.OK)
	assert.Equal(t, int32(1), c.publish("orders", "x", 30))
	assert.Len(t, s.CallsFor(broker.MethodPublish), 2)
}

func TestCallsRecordMetadata(t *testing.T) {
	s, c := startStub(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer abc")

	_, err := c.invoke(ctx, broker.NewPublishRequest("orders", []byte("x"), 300))
	require.NoError(t, err)

	calls := s.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, broker.MethodPublish, calls[0].Method)
	assert.Equal(t, "orders", calls[0].Subject)
	assert.Equal(t, int32(300), calls[0].ExpirationSeconds)
	assert.Equal(t, "Bearer abc", calls[0].Metadata["authorization"])
	assert.False(t, calls[0].Traced)
	assert.Empty(t, s.CallsFor(broker.MethodFetch))
}

func TestSubscribeReceivesPublishedBodies(t *testing.T) {
	s, c := startStub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, err := c.schema.NewRequestMessage(broker.NewSubscribeRequest("orders"))
	require.NoError(t, err)
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: string(broker.MethodSubscribe), ServerStreams: true}, broker.MethodSubscribe.FullName())
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(protoadapt.MessageV2Of(in)))
	require.NoError(t, stream.CloseSend())
	_, err = stream.Header()
	require.NoError(t, err)

	require.Len(t, s.CallsFor(broker.MethodSubscribe), 1)
	c.publish("payments", "ignored", 30)
	c.publish("orders", "hello", 30)

	out, err := c.schema.NewResponseMessage(broker.MethodSubscribe)
	require.NoError(t, err)
	require.NoError(t, stream.RecvMsg(protoadapt.MessageV2Of(out)))
	body, err := out.TryGetFieldByName("body")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), body)

	cancel()
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.subscribers["orders"]) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailSubscribeWith(t *testing.T) {
	s, c := startStub(t)
	s.FailSubscribeWith(codes.Unavailable, 30*time.Millisecond)

	in, err := c.schema.NewRequestMessage(broker.NewSubscribeRequest("orders"))
	require.NoError(t, err)
	start := time.Now()
	stream, err := c.conn.NewStream(context.Background(), &grpc.StreamDesc{StreamName: string(broker.MethodSubscribe), ServerStreams: true}, broker.MethodSubscribe.FullName())
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(protoadapt.MessageV2Of(in)))
	require.NoError(t, stream.CloseSend())

	out, err := c.schema.NewResponseMessage(broker.MethodSubscribe)
	require.NoError(t, err)
	err = stream.RecvMsg(protoadapt.MessageV2Of(out))
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	s.mu.Lock()
	assert.Empty(t, s.subscribers["orders"])
	s.mu.Unlock()
}
