package scenario

import (
	"context"
	"log/slog"
	"time"

	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/check"
	"github.com/torosent/brokerload/internal/extractor"
	"github.com/torosent/brokerload/internal/grpcclient"
)

// Conn is one exclusive broker session.
type Conn interface {
	Invoke(ctx context.Context, req broker.Request) (*broker.Response, error)
	Close() error
}

// Dialer opens a new Conn for every call.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Conn, error)

func (f DialFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// GRPCDialer adapts a grpcclient.Dialer.
func GRPCDialer(d *grpcclient.Dialer) Dialer {
	return DialFunc(func(ctx context.Context) (Conn, error) {
		c, err := d.Dial(ctx)
		if err != nil {
			// Return an untyped nil so callers never see a non-nil Conn wrapping nil.
			return nil, err
		}
		return c, nil
	})
}

// Recorder receives the outcome of every call. resp is nil when the broker
// could not be reached.
type Recorder interface {
	RecordRPC(tags check.Tags, resp *broker.Response, latency time.Duration)
}

// Env carries what every actor of one scenario shares. All fields must be
// safe for concurrent use; actors never mutate it.
type Env struct {
	Scenario          string
	Subject           string
	BodySize          int
	PublishIterations int
	Dialer            Dialer
	Checks            []check.Check
	Sink              check.Sink
	Recorder          Recorder
	IDs               *extractor.IDExtractor
	Logger            *slog.Logger
}

// ForScenario returns a copy of e tagged with a scenario name.
func (e *Env) ForScenario(name string) *Env {
	cp := *e
	cp.Scenario = name
	return &cp
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

func (e *Env) ids() *extractor.IDExtractor {
	if e.IDs == nil {
		return extractor.NewIDExtractor("")
	}
	return e.IDs
}

// call runs one connect, invoke, check and close cycle. It returns nil when no
// response was received. Checks are evaluated on every outcome.
func (e *Env) call(ctx context.Context, req broker.Request) *broker.Response {
	ctx = context.WithoutCancel(ctx)
	method := req.Method()
	tags := check.Tags{Scenario: e.Scenario, Method: method}
	log := e.logger().With("scenario", e.Scenario, "method", method.Label())

	start := time.Now()
	resp := e.invoke(ctx, req, log)

	latency := time.Since(start)
	if resp != nil && resp.Latency > 0 {
		latency = resp.Latency
	}
	if e.Recorder != nil {
		e.Recorder.RecordRPC(tags, resp, latency)
	}
	check.Evaluate(resp, e.Checks, e.Sink, tags)
	return resp
}

func (e *Env) invoke(ctx context.Context, req broker.Request, log *slog.Logger) *broker.Response {
	if e.Dialer == nil {
		log.Error("no dialer configured")
		return nil
	}
	conn, err := e.Dialer.Dial(ctx)
	if err != nil {
		log.Debug("connect failed", "error", err)
		return nil
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("close failed", "error", err)
		}
	}()

	resp, err := conn.Invoke(ctx, req)
	if err != nil {
		log.Debug("call failed", "status", resp.StatusLabel(), "error", err)
	}
	return resp
}
