// Package engine provides the scheduling core of the deployd deployment orchestrator.
//
// # Overview
//
// Users submit deployment requests: a project build applied to an
// environment. The engine discovers pending requests, runs at most one
// request per environment at a time, deploys each request's components in
// order through isolated worker processes, and drives every request to a
// terminal status, including after a crash of the orchestrator itself.
//
// # Request Lifecycle
//
//	pending -> requesting -> running -> complete | failed
//	running -> abandoned                (stale for 24h)
//	non-terminal -> cancelling -> cancelled
//	any -> restarting -> pending        (results cleared first)
//	running -> pending                  (resumed after a confirmed plan was applied)
//
// The requesting state is a claim lock entered only by compare-and-swap
// from pending. Every status change goes through Store.TransitionIf, which
// updates only rows still in the expected status and reports how many it
// changed; zero means another scheduler won.
//
// # Scheduling Loop
//
// Engine.Run executes, in strict order on every iteration:
//
//  1. Abandon - terminate running requests past the staleness threshold
//  2. Cancel - terminate cancelling requests and sweep their results
//  3. Restart - terminate restarting requests, clear results, re-enqueue
//  4. Execute - claim the oldest pending request of every idle environment
//
// An error inside a phase stops the loop and is returned to the caller.
// Cancelling the context stops the loop gracefully once in-flight
// executions have unwound.
//
// # Components
//
// A request deploys a list of components. Component is a closed interface
// with two implementations:
//
//   - ScriptComponent: scripts run by a worker process through a ScriptDispatcher
//   - InfraComponent: infrastructure deployed in two phases through a PlanDispatcher
//
// Infrastructure components first create a plan and pause the request in
// waiting_confirmation. Once a reviewer confirms the plan, the PlanSweeper
// applies it and moves the request back to pending so the remaining
// components run.
//
// # Termination
//
// Abandon, cancel and restart always use two mechanisms: the request's
// cancellation source in the Registry, and a kill of every worker process
// recorded for the request in the store. After a crash only the process
// records exist; StateProcessor.Recover uses them before the first
// iteration.
//
// # Error Classification
//
// Errors are EngineError values classified as transient, conflict,
// permanent or cancelled. ErrCancelled is the one outcome that aborts the
// remaining components of a request.
package engine
