package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Behavior is one actor's unit of work.
type Behavior interface {
	Run(ctx context.Context) error
}

// BehaviorFactory builds the behavior of one actor. It is called once per
// actor before the scenario starts.
type BehaviorFactory func(def ScenarioDefinition, actor int) (Behavior, error)

type Executor string

const (
	ExecutorConstantVUs     Executor = "constant-vus"
	ExecutorPerVUIterations Executor = "per-vu-iterations"
)

type ArrivalModel string

const (
	ArrivalUniform ArrivalModel = "uniform"
	ArrivalPoisson ArrivalModel = "poisson"
)

const defaultGracefulStop = 30 * time.Second

// NoGracefulStop cancels running invocations as soon as the window closes.
// A zero GracefulStop means the default instead.
const NoGracefulStop time.Duration = -1

// ScenarioDefinition is read once when the scenario starts and never changed.
type ScenarioDefinition struct {
	Name         string
	Behavior     string
	Executor     Executor
	Actors       int
	StartTime    time.Duration
	Duration     time.Duration
	Iterations   int
	GracefulStop time.Duration // 0 = 30s, NoGracefulStop = none
	Pace         float64 // invocations per second per actor, 0 = unpaced
	Arrival      ArrivalModel
}

func (d *ScenarioDefinition) normalize() {
	if d.Executor == "" {
		d.Executor = ExecutorConstantVUs
	}
	if d.Arrival == "" {
		d.Arrival = ArrivalUniform
	}
	switch {
	case d.GracefulStop == 0:
		d.GracefulStop = defaultGracefulStop
	case d.GracefulStop < 0:
		d.GracefulStop = 0
	}
}

func (d ScenarioDefinition) validate() error {
	var issues []string
	if strings.TrimSpace(d.Name) == "" {
		issues = append(issues, "name is required")
	}
	if d.Actors < 1 {
		issues = append(issues, "actors must be >= 1")
	}
	if d.StartTime < 0 || d.Duration < 0 || d.Pace < 0 {
		issues = append(issues, "start time, duration and pace must be >= 0")
	}
	switch d.Executor {
	case ExecutorConstantVUs:
		if d.Duration <= 0 {
			issues = append(issues, "constant-vus requires a duration")
		}
	case ExecutorPerVUIterations:
		if d.Iterations < 1 {
			issues = append(issues, "per-vu-iterations requires iterations >= 1")
		}
	default:
		issues = append(issues, fmt.Sprintf("unsupported executor %q", d.Executor))
	}
	switch d.Arrival {
	case ArrivalUniform, ArrivalPoisson:
	default:
		issues = append(issues, fmt.Sprintf("arrival model %q is not supported", d.Arrival))
	}
	if len(issues) > 0 {
		return fmt.Errorf("scenario %q: %s", d.Name, strings.Join(issues, "; "))
	}
	return nil
}

// Observer is told when actors start and stop.
type Observer interface {
	ActorStarted(scenario string)
	ActorStopped(scenario string)
}

// Observers fans lifecycle events out to every member.
type Observers []Observer

func (o Observers) ActorStarted(scenario string) {
	for _, obs := range o {
		obs.ActorStarted(scenario)
	}
}

func (o Observers) ActorStopped(scenario string) {
	for _, obs := range o {
		obs.ActorStopped(scenario)
	}
}

// Options configure the Scheduler.
type Options struct {
	Logger   *slog.Logger
	Observer Observer
	// LimiterFactory builds a per-actor limiter; tests inject their own.
	LimiterFactory func(pace float64) *rate.Limiter
	// Sampler draws exponential variates for poisson arrival; tests inject
	// a deterministic one.
	Sampler func() float64
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(pace float64) *rate.Limiter {
			if pace <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			return rate.NewLimiter(rate.Limit(pace), 1)
		}
	}
}
