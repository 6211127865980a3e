// Package dispatch runs deployment work in isolated worker processes.
//
// A dispatch resolves the deploy account of the request's tier, spawns a
// worker (locally over a unix socket, or remotely over SSH), records the
// worker's PID against the request before handing it any work, sends one
// command and streams the worker's events into the result log. The worker's
// exit code decides the outcome: 0 is success, 143 means the worker was
// terminated by cancellation, anything else is a failure. The process record
// is removed once the worker has exited, on every path.
//
// ScriptDispatcher and PlanDispatcher implement the engine's dispatcher
// interfaces; Killer implements engine.ProcessKiller.
package dispatch
