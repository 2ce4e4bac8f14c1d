// Package brokerstub serves an in-memory broker.Broker gRPC service for tests
// and local experiments. It stores messages in a map and fans them out to
// subscribers; it is not a broker implementation.
package brokerstub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/tracing"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// Call is one request observed by the stub.
type Call struct {
	Method            broker.Method
	Subject           string
	ID                int32
	ExpirationSeconds int32
	// Traced is set when the request carried a valid W3C trace context.
	Traced   bool
	Metadata map[string]string
}

type storedMessage struct {
	subject   string
	body      []byte
	expiresAt time.Time
}

// Server is an in-memory broker.
type Server struct {
	schema *broker.Schema
	grpc   *grpc.Server

	mu          sync.Mutex
	nextID      int32
	messages    map[int32]storedMessage
	subscribers map[string][]chan []byte
	calls       []Call
	publishErr  codes.Code
	subErr      codes.Code
	subDelay    time.Duration
	now         func() time.Time
}

// New creates a stub for the given schema (nil uses the bundled schema).
func New(schema *broker.Schema) (*Server, error) {
	if schema == nil {
		var err error
		schema, err = broker.DefaultSchema()
		if err != nil {
			return nil, err
		}
	}
	s := &Server{
		schema:      schema,
		grpc:        grpc.NewServer(),
		messages:    map[int32]storedMessage{},
		subscribers: map[string][]chan []byte{},
		now:         time.Now,
	}
	s.register()
	return s, nil
}

// FailPublishWith makes every Publish fail with code (codes.OK restores success).
func (s *Server) FailPublishWith(code codes.Code) {
	s.mu.Lock()
	s.publishErr = code
	s.mu.Unlock()
}

// FailSubscribeWith makes every Subscribe wait delay and then end with code,
// without sending a response header first (codes.OK restores success).
func (s *Server) FailSubscribeWith(code codes.Code, delay time.Duration) {
	s.mu.Lock()
	s.subErr, s.subDelay = code, delay
	s.mu.Unlock()
}

// Calls returns a copy of all observed requests.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the observed requests for one method.
func (s *Server) CallsFor(m broker.Method) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == m {
			out = append(out, c)
		}
	}
	return out
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop stops the server immediately.
func (s *Server) Stop() {
	s.grpc.Stop()
}

// StartBufconn serves the stub on an in-memory listener and returns the dial
// options a client needs to reach it. The target to use is "passthrough:///bufnet".
func (s *Server) StartBufconn() []grpc.DialOption {
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.grpc.Serve(lis) }()
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

// BufconnTarget is the dial target for StartBufconn.
const BufconnTarget = "passthrough:///bufnet"

type brokerService interface{}

type brokerHandler struct{}

func (s *Server) register() {
	svc := s.schema.Service()
	serviceDesc := grpc.ServiceDesc{
		ServiceName: svc.GetFullyQualifiedName(),
		HandlerType: (*brokerService)(nil),
	}
	for _, m := range []broker.Method{broker.MethodPublish, broker.MethodFetch} {
		method := m
		md, _ := s.schema.Method(method)
		serviceDesc.Methods = append(serviceDesc.Methods, grpc.MethodDesc{
			MethodName: string(method),
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := dynamic.NewMessage(md.GetInputType())
				if err := dec(req); err != nil {
					return nil, err
				}
				invoke := func(ctx context.Context, req interface{}) (interface{}, error) {
					return s.handleUnary(ctx, method, md, req.(*dynamic.Message))
				}
				if interceptor == nil {
					return invoke(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method.FullName()}
				return interceptor(ctx, req, info, invoke)
			},
		})
	}
	subDesc, _ := s.schema.Method(broker.MethodSubscribe)
	serviceDesc.Streams = append(serviceDesc.Streams, grpc.StreamDesc{
		StreamName:    string(broker.MethodSubscribe),
		ServerStreams: true,
		Handler: func(srv interface{}, stream grpc.ServerStream) error {
			req := dynamic.NewMessage(subDesc.GetInputType())
			if err := stream.RecvMsg(req); err != nil {
				return err
			}
			return s.handleSubscribe(subDesc, req, stream)
		},
	})
	s.grpc.RegisterService(&serviceDesc, &brokerHandler{})
}

func incomingMetadata(ctx context.Context) map[string]string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, vals := range md {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

func traced(ctx context.Context) bool {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return false
	}
	return tracing.RemoteSpanContext(ctx, md).IsValid()
}

func (s *Server) handleUnary(ctx context.Context, method broker.Method, md *desc.MethodDescriptor, req *dynamic.Message) (*dynamic.Message, error) {
	subject, _ := req.TryGetFieldByName("subject")
	subj, _ := subject.(string)
	resp := dynamic.NewMessage(md.GetOutputType())

	switch method {
	case broker.MethodPublish:
		body, _ := req.TryGetFieldByName("body")
		ttl, _ := req.TryGetFieldByName("expirationSeconds")
		raw, _ := body.([]byte)
		seconds, _ := ttl.(int32)

		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: method, Subject: subj, ExpirationSeconds: seconds, Traced: traced(ctx), Metadata: incomingMetadata(ctx)})
		if s.publishErr != codes.OK {
			code := s.publishErr
			s.mu.Unlock()
			return nil, status.Error(code, "broker is closed")
		}
		s.nextID++
		id := s.nextID
		s.messages[id] = storedMessage{
			subject:   subj,
			body:      raw,
			expiresAt: s.now().Add(time.Duration(seconds) * time.Second),
		}
		subs := append([]chan []byte(nil), s.subscribers[subj]...)
		s.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- raw:
			default:
			}
		}
		if err := resp.TrySetFieldByName("id", id); err != nil {
			return nil, err
		}
		return resp, nil

	case broker.MethodFetch:
		rawID, _ := req.TryGetFieldByName("id")
		id, _ := rawID.(int32)

		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: method, Subject: subj, ID: id, Traced: traced(ctx), Metadata: incomingMetadata(ctx)})
		msg, ok := s.messages[id]
		now := s.now()
		s.mu.Unlock()

		if !ok || msg.subject != subj {
			return nil, status.Error(codes.InvalidArgument, "invalid id")
		}
		if now.After(msg.expiresAt) {
			return nil, status.Error(codes.InvalidArgument, "expired message")
		}
		if err := resp.TrySetFieldByName("body", msg.body); err != nil {
			return nil, err
		}
		return resp, nil
	}
	return nil, status.Errorf(codes.Unimplemented, "method %s not supported", method)
}

func (s *Server) handleSubscribe(md *desc.MethodDescriptor, req *dynamic.Message, stream grpc.ServerStream) error {
	subject, _ := req.TryGetFieldByName("subject")
	subj, _ := subject.(string)
	ch := make(chan []byte, 64)

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: broker.MethodSubscribe, Subject: subj, Traced: traced(stream.Context()), Metadata: incomingMetadata(stream.Context())})
	failWith, delay := s.subErr, s.subDelay
	if failWith == codes.OK {
		s.subscribers[subj] = append(s.subscribers[subj], ch)
	}
	s.mu.Unlock()

	if failWith != codes.OK {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-t.C:
		}
		return status.Error(failWith, "broker is closed")
	}
	defer s.unsubscribe(subj, ch)

	if err := stream.SendHeader(nil); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case body := <-ch:
			out := dynamic.NewMessage(md.GetOutputType())
			if err := out.TrySetFieldByName("body", body); err != nil {
				return fmt.Errorf("build message: %w", err)
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

func (s *Server) unsubscribe(subject string, ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscribers[subject]
	for i, c := range subs {
		if c == ch {
			s.subscribers[subject] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
