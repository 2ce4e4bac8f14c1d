package runner

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScaleGap(t *testing.T) {
	mean := float64(time.Second) / 4
	assert.Equal(t, 250*time.Millisecond, scaleGap(1, mean))
	assert.Equal(t, 500*time.Millisecond, scaleGap(2, mean))
	assert.Zero(t, scaleGap(0, mean))
	assert.Zero(t, scaleGap(-1, mean))
	assert.Zero(t, scaleGap(math.NaN(), mean))
	assert.Equal(t, time.Duration(math.MaxInt64), scaleGap(math.Inf(1), mean))
}

func TestNewPacer(t *testing.T) {
	opt := Options{}
	opt.normalize()

	assert.Nil(t, newPacer(ScenarioDefinition{Pace: 0}, opt, 1))

	uniform := newPacer(ScenarioDefinition{Pace: 5, Arrival: ArrivalUniform}, opt, 1)
	if assert.NotNil(t, uniform) {
		assert.NotNil(t, uniform.limiter)
		assert.Nil(t, uniform.gap)
	}

	opt.Sampler = func() float64 { return 0.5 }
	poisson := newPacer(ScenarioDefinition{Pace: 10, Arrival: ArrivalPoisson}, opt, 1)
	if assert.NotNil(t, poisson) {
		assert.Nil(t, poisson.limiter)
		assert.Equal(t, 50*time.Millisecond, poisson.gap())
	}
}

func TestPacerWaitHonorsContext(t *testing.T) {
	var nilPacer *pacer
	assert.NoError(t, nilPacer.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, nilPacer.Wait(ctx), context.Canceled)

	slow := &pacer{gap: func() time.Duration { return time.Hour }}
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, slow.Wait(ctx), context.DeadlineExceeded)
}
