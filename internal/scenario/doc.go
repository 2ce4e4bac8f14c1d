// Package scenario implements the actor behaviors a load scenario runs.
//
// Every broker call made by an actor follows the same pipeline: open an
// exclusive connection, build the request, invoke it, evaluate the checks and
// close the connection. A connection is never shared between calls or actors.
// Publisher iterations additionally hand the published message id to a
// Correlator, which by default fetches it back with a Fetcher.
//
// Calls run detached from the caller's cancellation: a scenario ending stops
// new iterations but never aborts a call that is already in flight. The
// per-call timeout belongs to the transport.
package scenario
