package scenario

import (
	"context"

	"github.com/torosent/brokerload/internal/broker"
)

const (
	// ShortTTL is used on every fifth publish iteration, starting with the first.
	ShortTTL int32 = 30
	// LongTTL is used on all other iterations.
	LongTTL int32 = 300
)

// TTLFor returns the expiration in seconds for publish iteration i.
func TTLFor(i int) int32 {
	if i%5 == 0 {
		return ShortTTL
	}
	return LongTTL
}

// Correlator follows up on a completed publish.
type Correlator interface {
	AfterPublish(ctx context.Context, subject string, id int32)
}

// Publisher publishes PublishIterations messages per invocation and hands each
// resulting id to its follow-up.
type Publisher struct {
	env      *Env
	followUp Correlator
}

// NewPublisher returns a publisher whose follow-up fetches every published id.
func NewPublisher(env *Env) *Publisher {
	return &Publisher{env: env, followUp: NewFetcher(env)}
}

// WithFollowUp replaces the follow-up. A nil Correlator disables it.
func (p *Publisher) WithFollowUp(c Correlator) *Publisher {
	p.followUp = c
	return p
}

// Run executes the iterations, stopping early once ctx is done. An iteration
// already started always completes, including its follow-up.
func (p *Publisher) Run(ctx context.Context) error {
	iterations := p.env.PublishIterations
	if iterations <= 0 {
		iterations = 1
	}
	for i := 0; i < iterations; i++ {
		if ctx.Err() != nil {
			return nil
		}
		p.iterate(ctx, i)
	}
	return nil
}

func (p *Publisher) iterate(ctx context.Context, i int) {
	subject := p.env.Subject
	req := broker.NewPublishRequest(subject, broker.RandomBody(p.env.BodySize), TTLFor(i))
	resp := p.env.call(ctx, req)

	// The publish connection is closed by now; the follow-up opens its own.
	id, found := p.env.ids().MessageID(resp)
	if !found && resp.OK() {
		p.env.logger().Debug("publish reply carried no id, using 0", "scenario", p.env.Scenario, "iteration", i)
	}
	if p.followUp != nil {
		p.followUp.AfterPublish(context.WithoutCancel(ctx), subject, id)
	}
}
