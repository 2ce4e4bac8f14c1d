package runner

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// pacer spaces the invocations of one actor. Exactly one of limiter and gap
// is set. A nil *pacer never waits.
type pacer struct {
	limiter *rate.Limiter
	gap     func() time.Duration
}

func newPacer(def ScenarioDefinition, opt Options, seed int64) *pacer {
	if def.Pace <= 0 {
		return nil
	}
	if def.Arrival != ArrivalPoisson {
		return &pacer{limiter: opt.LimiterFactory(def.Pace)}
	}
	sample := opt.Sampler
	if sample == nil {
		sample = rand.New(rand.NewSource(seed)).ExpFloat64
	}
	mean := float64(time.Second) / def.Pace
	return &pacer{gap: func() time.Duration { return scaleGap(sample(), mean) }}
}

// scaleGap turns a unit exponential variate into a delay with the given mean
// in nanoseconds, clamped to the Duration range.
func scaleGap(x, mean float64) time.Duration {
	d := x * mean
	switch {
	case d <= 0 || math.IsNaN(d):
		return 0
	case d >= math.MaxInt64:
		return math.MaxInt64
	}
	return time.Duration(d)
}

// Wait blocks until the next invocation is due or ctx ends.
func (p *pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	if p.limiter != nil {
		return p.limiter.Wait(ctx)
	}
	d := p.gap()
	if d == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
