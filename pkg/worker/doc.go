// Package worker drives durable orchestrations forward by draining the
// task queue.
//
// Every task names an instance and, for activities and timers, a sequence
// number:
//
//   - evaluate: replay the instance and append its next decision
//   - run-activity: execute the activity scheduled at (instance, seq)
//   - fire-timer: record that the timer at (instance, seq) fired
//
// Handlers are idempotent against history, so redelivered or duplicated
// tasks are harmless. A handler that returns an error (store outage,
// conflicting writers beyond the retry budget) is re-enqueued with
// exponential backoff until Config.MaxAttempts. Errors that a retry cannot
// fix, such as an unknown instance or a replay that diverged from history,
// are logged and dropped.
//
// Run starts Config.Concurrency goroutines under an errgroup and returns when
// the context is cancelled. Tests usually call ProcessAvailable instead,
// which stops once the queue has been idle for a while.
package worker
