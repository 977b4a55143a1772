// Package opctx tracks the lifecycle of a single logical operation.
//
// opctx coordinates the sub-work of one operation - trace entries,
// background processes, an optional deadline - and answers "is this
// operation done, and with what error" correctly under concurrent
// completion from multiple producers.
//
// Core Components:.
//   - Tracker: Constructs contexts and fans out completion reports.
//   - Context: Owns status, trace, errors, background processes.
//   - Gate: One-shot wait primitive released on terminal transition.
//   - Collector: Buffers completion reports for export.
//
// Basic Usage:.
//
//	tracker := opctx.New()
//	defer tracker.Close()
//
//	op := tracker.Start()
//	op.SetValues(opctx.Values{"step": 1})
//
//	op.AddBackgroundProcess(func() error {
//		return flushCache()
//	})
//
//	// Block until the operation settles, surfacing the first error.
//	if err := op.Wait(); err != nil {
//		// op.Errors() holds every contributing failure.
//	}
//
// Lifecycle:.
//
// A context starts running and moves exactly once to one of failed,
// cancelled or ended. Terminal states are final - a context never
// returns to running and never switches terminal state. Errors created
// after a terminal transition are recorded but do not change status.
//
// Thread Safety:.
//
// The context is built for a single mutating owner plus fire-and-forget
// reporting from background processes and the deadline timer. Wait,
// Errors, ToJSON and ToShortJSON are safe for any number of concurrent
// callers.
//
// Resource Cleanup:.
//
// Call tracker.Close() to shut down the id pool and any worker pool
// backing asynchronous completion handlers.
package opctx

// Values holds the key/value payload of one trace entry.
type Values = map[string]any

// Status is the lifecycle state of an operation context.
type Status string

// Lifecycle states. StatusRunning is the sole initial state; the other
// three are terminal.
const (
	StatusRunning   Status = "running"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusEnded     Status = "ended"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s != StatusRunning
}
