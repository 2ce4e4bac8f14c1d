package scenario

import (
	"context"
	"fmt"
)

const (
	KindPublish   = "publish"
	KindSubscribe = "subscribe"
)

// Behavior is one actor's unit of work. Errors are reserved for failures that
// make the actor unusable; broker failures are reported through checks.
type Behavior interface {
	Run(ctx context.Context) error
}

// Build returns a fresh behavior of the given kind for one actor.
func Build(kind string, env *Env) (Behavior, error) {
	if env == nil {
		return nil, fmt.Errorf("scenario environment is required")
	}
	if env.Dialer == nil {
		return nil, fmt.Errorf("scenario %q: dialer is required", env.Scenario)
	}
	switch kind {
	case KindPublish:
		return NewPublisher(env), nil
	case KindSubscribe:
		return NewSubscriber(env), nil
	default:
		return nil, fmt.Errorf("scenario %q: unknown behavior %q", env.Scenario, kind)
	}
}
