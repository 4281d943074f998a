// Package api defines the contract between the durable orchestrator and the
// workflows it runs.
//
// # Workflows as machines
//
// A workflow is an explicit state machine (Machine). The orchestrator asks
// it for the next Command and later feeds back the recorded Outcome:
//
//   - CallActivity schedules a named side-effecting activity.
//   - AwaitEvent waits for a named external event or a deadline.
//   - Complete finishes the instance, FAILED when a FailureDetails is given.
//
// A machine must decide only from its input and the outcomes resumed so far.
// Outcome.At is the machine's clock; wall time is never visible to it. That
// is what lets the engine rebuild a machine from history after a restart and
// arrive at the same decisions.
//
// # History
//
// Every instance owns an append-only list of HistoryEvent values. Decisions
// (activity.scheduled, timer.created, orchestrator.completed) and
// resolutions (activity.completed, activity.failed, timer.fired,
// event.received) are both recorded there. The history length is the
// optimistic concurrency token for every writer.
//
// # Engine and Observer
//
// Engine is implemented by internal/engine. Observer receives lifecycle
// callbacks; LoggingObserver and BasicMetrics can be combined with
// NewCompositeObserver.
package api
