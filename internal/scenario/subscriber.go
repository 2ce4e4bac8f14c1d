package scenario

import (
	"context"

	"github.com/torosent/brokerload/internal/broker"
)

// Subscriber opens one subscription per invocation. Repetition is the
// scheduler's concern.
type Subscriber struct {
	env *Env
}

func NewSubscriber(env *Env) *Subscriber {
	return &Subscriber{env: env}
}

func (s *Subscriber) Run(ctx context.Context) error {
	s.env.call(ctx, broker.NewSubscribeRequest(s.env.Subject))
	return nil
}
