package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/check"
)

const namespace = "brokerload"

// PromSink exposes RPC and check events as Prometheus series. Each sink owns
// its registry so several runs in one process never collide.
type PromSink struct {
	registry     *prometheus.Registry
	checks       *prometheus.CounterVec
	rpcs         *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	actors       *prometheus.GaugeVec
	discardBody  prometheus.Gauge
	subscribeMsg prometheus.Counter
}

func NewPromSink() *PromSink {
	p := &PromSink{
		registry: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Check results by scenario, check name and result",
		}, []string{"scenario", "check", "result"}),
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_total",
			Help:      "Broker RPCs by method and status code",
		}, []string{"method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Broker RPC latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		actors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_actors",
			Help:      "Actors currently running per scenario",
		}, []string{"scenario"}),
		discardBody: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discard_response_bodies",
			Help:      "1 when response bodies are dropped before checks run",
		}),
		subscribeMsg: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_messages_total",
			Help:      "Stream messages received by Subscribe calls",
		}),
	}
	p.registry.MustRegister(p.checks, p.rpcs, p.duration, p.actors, p.discardBody, p.subscribeMsg)
	return p
}

// Registry returns the sink's registry.
func (p *PromSink) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PromSink) SetDiscardResponseBodies(discard bool) {
	if discard {
		p.discardBody.Set(1)
		return
	}
	p.discardBody.Set(0)
}

func (p *PromSink) RecordRPC(tags check.Tags, resp *broker.Response, latency time.Duration) {
	method := tags.Method.Label()
	p.rpcs.WithLabelValues(method, resp.StatusLabel()).Inc()
	p.duration.WithLabelValues(method).Observe(latency.Seconds())
	if resp != nil && resp.Messages > 0 {
		p.subscribeMsg.Add(float64(resp.Messages))
	}
}

func (p *PromSink) RecordCheck(tags check.Tags, name string, passed bool) {
	result := "pass"
	if !passed {
		result = "fail"
	}
	p.checks.WithLabelValues(tags.Scenario, name, result).Inc()
}

func (p *PromSink) ActorStarted(scenario string) {
	p.actors.WithLabelValues(scenario).Inc()
}

func (p *PromSink) ActorStopped(scenario string) {
	p.actors.WithLabelValues(scenario).Dec()
}

// Handler serves the sink's registry in the Prometheus exposition format.
func (p *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done. It returns once the
// listener is bound; the returned function shuts the server down.
func (p *PromSink) Serve(ctx context.Context, addr string, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics http server", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics server started", "addr", lis.Addr().String())

	return srv.Shutdown, nil
}
