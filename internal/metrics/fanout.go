package metrics

import (
	"time"

	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/check"
)

// Sink receives every RPC outcome and check result.
type Sink interface {
	RecordRPC(tags check.Tags, resp *broker.Response, latency time.Duration)
	RecordCheck(tags check.Tags, name string, passed bool)
}

// Fanout forwards events to every non-nil sink in order.
type Fanout []Sink

// NewFanout drops nil sinks.
func NewFanout(sinks ...Sink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f Fanout) RecordRPC(tags check.Tags, resp *broker.Response, latency time.Duration) {
	for _, s := range f {
		s.RecordRPC(tags, resp, latency)
	}
}

func (f Fanout) RecordCheck(tags check.Tags, name string, passed bool) {
	for _, s := range f {
		s.RecordCheck(tags, name, passed)
	}
}
