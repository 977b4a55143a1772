package opctx

import "sync"

// Gate is a one-shot condition gate scoped to a single operation.
// It is constructed locked; Unlock releases all current and future
// waiters and is final - the gate cannot be re-armed.
// Safe for concurrent use by multiple goroutines.
type Gate struct {
	released chan struct{}
	mu       sync.Mutex
	unlocked bool
}

// NewGate creates a gate in the locked state.
func NewGate() *Gate {
	return &Gate{
		released: make(chan struct{}),
	}
}

// Lock re-asserts the locked state. It is a no-op when the gate is
// already locked, and also after Unlock - a released gate stays
// released for the rest of its lifetime.
func (g *Gate) Lock() {
	// The gate starts locked and release is final, so there is no
	// state to restore.
}

// Unlock releases every current and future waiter. Safe to call any
// number of times - calls after the first are no-ops.
func (g *Gate) Unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.unlocked {
		return
	}
	g.unlocked = true
	close(g.released)
}

// Wait blocks the calling goroutine until the gate is unlocked.
// Returns immediately if the gate was already unlocked.
func (g *Gate) Wait() {
	<-g.released
}

// Released exposes the release signal for select-based races.
// The channel is closed when the gate unlocks.
func (g *Gate) Released() <-chan struct{} {
	return g.released
}

// Unlocked reports whether the gate has been released.
func (g *Gate) Unlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unlocked
}
