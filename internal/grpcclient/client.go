package grpcclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jhump/protoreflect/dynamic"
	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/clientmetrics"
	"github.com/torosent/brokerload/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultSubscribeHold  = time.Second
)

// Config holds configuration for the broker connection.
type Config struct {
	Target         string
	Metadata       map[string]string
	Timeout        time.Duration // per-call timeout
	ConnectTimeout time.Duration // how long Dial waits for a ready connection
	UseTLS         bool
	Insecure       bool
	// SubscribeHold bounds how long a Subscribe stream is kept open.
	SubscribeHold time.Duration
	// SubscribeMaxMessages ends a Subscribe after this many messages (0 = hold only).
	SubscribeMaxMessages int
	// DiscardResponseBodies drops message bodies from responses.
	DiscardResponseBodies bool
}

// Dialer opens exclusive connections to the broker. It is safe for concurrent use;
// every Dial returns a new, unshared Client.
type Dialer struct {
	cfg       Config
	schema    *broker.Schema
	tracer    trace.Tracer
	propagate bool
	opts      []grpc.DialOption

	totalsMu sync.Mutex
	totals   clientmetrics.Snapshot
	closed   int64
}

// Option customizes a Dialer.
type Option func(*Dialer)

// WithTracing traces each call with tracer and optionally propagates W3C trace context.
func WithTracing(tracer trace.Tracer, propagate bool) Option {
	return func(d *Dialer) {
		if tracer != nil {
			d.tracer = tracer
		}
		d.propagate = propagate
	}
}

// WithDialOptions appends extra grpc dial options (used by tests for in-memory listeners).
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(d *Dialer) {
		d.opts = append(d.opts, opts...)
	}
}

// NewDialer creates a Dialer for the given configuration and schema.
func NewDialer(cfg Config, schema *broker.Schema, opts ...Option) (*Dialer, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.SubscribeHold == 0 {
		cfg.SubscribeHold = defaultSubscribeHold
	}
	d := &Dialer{
		cfg:    cfg,
		schema: schema,
		tracer: noop.NewTracerProvider().Tracer("brokerload"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the effective configuration.
func (d *Dialer) Config() Config {
	return d.cfg
}

// Totals returns the transport counters summed over every closed Client and
// the number of connections they account for.
func (d *Dialer) Totals() (clientmetrics.Snapshot, int64) {
	d.totalsMu.Lock()
	defer d.totalsMu.Unlock()
	return d.totals, d.closed
}

func (d *Dialer) release(snap clientmetrics.Snapshot) {
	d.totalsMu.Lock()
	d.totals.Add(snap)
	d.closed++
	d.totalsMu.Unlock()
}

// Dial opens a connection and waits until it is ready or ConnectTimeout elapses.
func (d *Dialer) Dial(ctx context.Context) (*Client, error) {
	conn, err := Dial(ctx, d.cfg, d.opts...)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		dialer:  d,
		md:      metadata.New(d.cfg.Metadata),
		metrics: clientmetrics.New(),
	}
	c.metrics.MarkConnected()
	return c, nil
}

// Dial establishes a gRPC connection based on configuration and blocks until it is ready.
func Dial(ctx context.Context, cfg Config, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption
	if cfg.UseTLS {
		if cfg.Insecure {
			creds := credentials.NewTLS(&tls.Config{InsecureSkipVerify: true})
			opts = append(opts, grpc.WithTransportCredentials(creds))
		} else {
			creds := credentials.NewClientTLSFromCert(nil, "")
			opts = append(opts, grpc.WithTransportCredentials(creds))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", cfg.Target, err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return conn, nil
		}
		if state == connectivity.Shutdown || !conn.WaitForStateChange(readyCtx, state) {
			conn.Close()
			return nil, fmt.Errorf("connect %s: %w (last state %s)", cfg.Target, context.Cause(readyCtx), state)
		}
	}
}

// Client is one exclusive broker session. It is not shared between actors.
type Client struct {
	mu      sync.Mutex
	conn    *grpc.ClientConn
	dialer  *Dialer
	md      metadata.MD
	metrics *clientmetrics.ClientMetrics
}

// Invoke performs req and returns the broker's answer. A gRPC status error still
// yields a non-nil response carrying that status; the error is returned too.
func (c *Client) Invoke(ctx context.Context, req broker.Request) (*broker.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("client not connected")
	}

	schema := c.dialer.schema
	reqMsg, err := schema.NewRequestMessage(req)
	if err != nil {
		return nil, err
	}

	cfg := c.dialer.cfg
	method := req.Method()
	md := c.md.Copy()
	var carrier metadata.MD
	if c.dialer.propagate {
		carrier = md
	}
	ctx, call := tracing.StartCall(ctx, c.dialer.tracer, method.FullName(), carrier)
	if len(md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if reqBytes, marshalErr := reqMsg.Marshal(); marshalErr == nil {
		c.metrics.IncrementSent(int64(len(reqBytes)))
	}

	start := time.Now()
	var resp *broker.Response
	if method.Streaming() {
		resp, err = c.subscribe(callCtx, conn, reqMsg, cfg)
	} else {
		resp, err = c.unary(callCtx, conn, method, reqMsg, cfg)
	}
	resp.Latency = time.Since(start)

	if err != nil {
		c.metrics.IncrementErrors()
	}
	call.Finish(resp.Status, resp.Messages, err)
	if err != nil {
		return resp, fmt.Errorf("%s: %w", method, err)
	}
	return resp, nil
}

func (c *Client) unary(ctx context.Context, conn *grpc.ClientConn, method broker.Method, reqMsg *dynamic.Message, cfg Config) (*broker.Response, error) {
	respMsg, err := c.dialer.schema.NewResponseMessage(method)
	if err != nil {
		return &broker.Response{Method: method, Status: codes.Internal, Err: err}, err
	}
	err = conn.Invoke(ctx, method.FullName(), protoadapt.MessageV2Of(reqMsg), protoadapt.MessageV2Of(respMsg))
	resp := &broker.Response{Method: method, Status: status.Code(err), Err: err}
	if err != nil {
		return resp, err
	}
	c.fillReply(resp, respMsg, cfg)
	return resp, nil
}

// subscribe opens the server stream and waits, within the call timeout, for
// the broker to answer with its response header. Only then does the hold
// window start: messages are read until SubscribeHold elapses, the server
// ends the stream, or SubscribeMaxMessages arrive. A hold that elapses on an
// established stream counts as OK; any status the broker sends before that
// is reported as is.
func (c *Client) subscribe(ctx context.Context, conn *grpc.ClientConn, reqMsg *dynamic.Message, cfg Config) (*broker.Response, error) {
	resp := &broker.Response{Method: broker.MethodSubscribe}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var held atomic.Bool

	desc := &grpc.StreamDesc{StreamName: string(broker.MethodSubscribe), ServerStreams: true}
	stream, err := conn.NewStream(streamCtx, desc, broker.MethodSubscribe.FullName())
	if err != nil {
		return c.streamResult(ctx, &held, resp, err)
	}
	c.metrics.IncrementStreams()
	if err := stream.SendMsg(protoadapt.MessageV2Of(reqMsg)); err != nil {
		return c.streamResult(ctx, &held, resp, err)
	}
	if err := stream.CloseSend(); err != nil {
		return c.streamResult(ctx, &held, resp, err)
	}
	// Header returns nil, nil for a trailers-only answer; RecvMsg below then
	// yields the broker's status.
	if _, err := stream.Header(); err != nil {
		return c.streamResult(ctx, &held, resp, err)
	}

	hold := time.AfterFunc(cfg.SubscribeHold, func() {
		held.Store(true)
		cancel()
	})
	defer hold.Stop()

	for {
		msg, err := c.dialer.schema.NewResponseMessage(broker.MethodSubscribe)
		if err != nil {
			return c.streamResult(ctx, &held, resp, err)
		}
		if err := stream.RecvMsg(protoadapt.MessageV2Of(msg)); err != nil {
			return c.streamResult(ctx, &held, resp, err)
		}
		resp.Messages++
		c.fillReply(resp, msg, cfg)
		if cfg.SubscribeMaxMessages > 0 && resp.Messages >= cfg.SubscribeMaxMessages {
			return c.streamResult(ctx, &held, resp, nil)
		}
	}
}

func (c *Client) streamResult(callCtx context.Context, held *atomic.Bool, resp *broker.Response, err error) (*broker.Response, error) {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		resp.Status = codes.OK
		return resp, nil
	case held.Load() && callCtx.Err() == nil:
		// Our own hold ended an established subscription.
		resp.Status = codes.OK
		return resp, nil
	default:
		resp.Status = status.Code(err)
		resp.Err = err
		return resp, err
	}
}

func (c *Client) fillReply(resp *broker.Response, msg *dynamic.Message, cfg Config) {
	if raw, err := msg.Marshal(); err == nil {
		c.metrics.IncrementReceived(int64(len(raw)))
	}
	if body, err := msg.TryGetFieldByName("body"); err == nil {
		if b, ok := body.([]byte); ok && !cfg.DiscardResponseBodies {
			resp.Body = b
		}
		if cfg.DiscardResponseBodies {
			_ = msg.TryClearFieldByName("body")
		}
	}
	if js, err := msg.MarshalJSON(); err == nil {
		resp.Message = js
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if c.dialer != nil {
		c.dialer.release(c.metrics.Snapshot())
	}
	c.metrics.Reset()
	return err
}

// Metrics returns the connection's transport counters.
func (c *Client) Metrics() clientmetrics.Snapshot {
	return c.metrics.Snapshot()
}
