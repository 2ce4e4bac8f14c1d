// Package runner schedules load scenarios.
//
// Each [ScenarioDefinition] names a population of actors that share one
// behavior. [Scheduler.Run] starts every scenario concurrently and
// independently: a scenario that fails to start never affects the others.
// Within a scenario, each actor owns its behavior instance and, when paced,
// its own limiter; actors share no mutable state.
//
// # Executors
//
//   - [ExecutorConstantVUs]: every actor re-invokes its behavior until the
//     scenario duration elapses.
//   - [ExecutorPerVUIterations]: every actor invokes its behavior a fixed
//     number of times, bounded by the duration when one is set.
//
// # Stopping
//
// Once the window closes no new invocation starts. Invocations already
// running keep their context for up to GracefulStop (30s when unset,
// none with [NoGracefulStop]); after that the context
// is cancelled, the scenario is marked interrupted and the scheduler stops
// waiting for it.
//
// # Pacing
//
// Pace limits each actor to that many invocations per second. The arrival
// model spaces invocations uniformly ([ArrivalUniform]) or with exponential
// gaps ([ArrivalPoisson]).
package runner
