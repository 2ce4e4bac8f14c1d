package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

// ScenarioResult summarizes one scenario.
type ScenarioResult struct {
	Name        string
	Behavior    string
	Actors      int
	Invocations int64
	Errors      int64
	// Err is set when the scenario could not start.
	Err error
	// Interrupted is set when GracefulStop expired with invocations still running.
	Interrupted bool
	Started     time.Time
	Duration    time.Duration
}

// Result captures the outcome of a Run.
type Result struct {
	Scenarios []ScenarioResult
	Duration  time.Duration
}

// Invocations returns the total across scenarios.
func (r Result) Invocations() int64 {
	var n int64
	for _, s := range r.Scenarios {
		n += s.Invocations
	}
	return n
}

// Errors returns the total across scenarios.
func (r Result) Errors() int64 {
	var n int64
	for _, s := range r.Scenarios {
		n += s.Errors
	}
	return n
}

// Scheduler runs scenarios concurrently.
type Scheduler struct {
	opt Options
}

func New(opt Options) *Scheduler {
	opt.normalize()
	return &Scheduler{opt: opt}
}

// Run starts every scenario and returns once all of them finished or were
// abandoned after their graceful stop. Results keep the order of defs.
func (s *Scheduler) Run(ctx context.Context, defs []ScenarioDefinition, factory BehaviorFactory) Result {
	start := time.Now()
	results := make([]ScenarioResult, len(defs))

	// Scenarios never cancel each other, so the group carries no shared context.
	var g errgroup.Group
	for i, def := range defs {
		g.Go(func() error {
			results[i] = s.runScenario(ctx, def, factory)
			return nil
		})
	}
	_ = g.Wait()

	return Result{Scenarios: results, Duration: time.Since(start)}
}

func (s *Scheduler) runScenario(ctx context.Context, def ScenarioDefinition, factory BehaviorFactory) ScenarioResult {
	def.normalize()
	res := ScenarioResult{Name: def.Name, Behavior: def.Behavior, Actors: def.Actors}
	log := s.opt.Logger.With("scenario", def.Name)

	fail := func(err error) ScenarioResult {
		res.Err = err
		log.Error("scenario did not start", "error", err)
		return res
	}

	if err := def.validate(); err != nil {
		return fail(err)
	}
	if factory == nil {
		return fail(fmt.Errorf("scenario %q: behavior factory is required", def.Name))
	}
	behaviors := make([]Behavior, def.Actors)
	for actor := range behaviors {
		b, err := factory(def, actor)
		if err != nil {
			return fail(fmt.Errorf("scenario %q actor %d: %w", def.Name, actor, err))
		}
		if b == nil {
			return fail(fmt.Errorf("scenario %q actor %d: factory returned no behavior", def.Name, actor))
		}
		behaviors[actor] = b
	}

	if def.StartTime > 0 {
		timer := time.NewTimer(def.StartTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fail(fmt.Errorf("scenario %q cancelled before start: %w", def.Name, context.Cause(ctx)))
		case <-timer.C:
		}
	}

	pool, err := ants.NewPool(def.Actors)
	if err != nil {
		return fail(fmt.Errorf("scenario %q: new pool: %w", def.Name, err))
	}
	defer pool.Release()

	var (
		windowCtx    context.Context
		cancelWindow context.CancelFunc
	)
	if def.Duration > 0 {
		windowCtx, cancelWindow = context.WithTimeout(ctx, def.Duration)
	} else {
		windowCtx, cancelWindow = context.WithCancel(ctx)
	}
	defer cancelWindow()

	// Running invocations outlive the window until GracefulStop expires.
	behaviorCtx, cancelBehavior := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBehavior()

	var (
		wg          sync.WaitGroup
		invocations atomic.Int64
		errs        atomic.Int64
	)
	res.Started = time.Now()
	log.Info("scenario started", "actors", def.Actors, "executor", string(def.Executor), "duration", def.Duration)

	for actor, b := range behaviors {
		p := newPacer(def, s.opt, res.Started.UnixNano()+int64(actor))
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			s.runActor(windowCtx, behaviorCtx, def, b, p, &invocations, &errs)
		})
		if submitErr != nil {
			wg.Done()
			errs.Add(1)
			log.Error("actor not started", "actor", actor, "error", submitErr)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-windowCtx.Done():
		grace := time.NewTimer(def.GracefulStop)
		select {
		case <-done:
			grace.Stop()
		case <-grace.C:
			res.Interrupted = true
			cancelBehavior()
			log.Warn("graceful stop expired, interrupting running invocations", "graceful_stop", def.GracefulStop)
		}
	}

	res.Invocations = invocations.Load()
	res.Errors = errs.Load()
	res.Duration = time.Since(res.Started)
	log.Info("scenario finished",
		"invocations", res.Invocations,
		"errors", res.Errors,
		"interrupted", res.Interrupted,
		"duration", res.Duration,
	)
	return res
}

func (s *Scheduler) runActor(windowCtx, behaviorCtx context.Context, def ScenarioDefinition, b Behavior, p *pacer, invocations, errs *atomic.Int64) {
	if obs := s.opt.Observer; obs != nil {
		obs.ActorStarted(def.Name)
		defer obs.ActorStopped(def.Name)
	}
	for i := 0; def.Executor != ExecutorPerVUIterations || i < def.Iterations; i++ {
		if windowCtx.Err() != nil {
			return
		}
		if err := p.Wait(windowCtx); err != nil {
			return
		}
		invocations.Add(1)
		if err := invoke(behaviorCtx, b); err != nil {
			errs.Add(1)
			s.opt.Logger.Debug("invocation failed", "scenario", def.Name, "error", err)
		}
	}
}

func invoke(ctx context.Context, b Behavior) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("behavior panicked: %v", r)
		}
	}()
	return b.Run(ctx)
}
