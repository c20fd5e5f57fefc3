// Package isocell implements the reentrancy-safe "entered" marker around a
// JS engine instance. Several embeddable engines — v8go included —
// require callers to pair an enter/leave (lock/unlock) call around any use
// of the isolate and forbid nested entry from the same goroutine; isocell
// makes that discipline a checkable Go type instead of a convention.
//
// Grounded on the enter/leave pairing in v8go's Isolate.Lock/Unlock
// (see other_examples' ionos-cloud-v8go isolate.go): the same "must not
// nest, must always be paired" contract, generalized into a scoped guard.
package isocell

import (
	"fmt"
	"sync"

	v8 "rogchap.com/v8go"
)

// Engine is the subset of *v8go.Isolate that isocell guards. Expressed as
// an interface so tests can swap in a fake without linking v8go's cgo
// bindings.
type Engine interface {
	Lock()
	Unlock()
}

var _ Engine = (*v8.Isolate)(nil)

// Cell wraps a single JS engine instance with reentrancy tracking. The
// zero value is not usable; use New.
type Cell struct {
	mu      sync.Mutex
	engine  Engine
	entered bool
}

// New wraps engine in a Cell. One Cell exists per scheduler OS thread, not
// per isolate — many isolates share the same Cell one poll at a time (see
// internal/vmscheduler).
func New(engine Engine) *Cell {
	return &Cell{engine: engine}
}

// Guard is the scoped handle returned by Enter. Dropping it (calling
// Leave) releases the entered state and invokes the engine's leave hook.
// A Guard must never be held across a suspension point (an await inside
// the isolate) — only across a single poll of the isolate's future.
type Guard struct {
	cell *Cell
	left bool
}

// Enter locks the cell for the calling goroutine and returns a guard over
// the underlying engine. Entering while another guard from the same Cell
// is outstanding is a precondition violation and panics rather than
// deadlocking silently, since that would indicate a held guard crossing a
// suspension point — exactly the bug isocell exists to catch.
func (c *Cell) Enter() *Guard {
	c.mu.Lock()
	if c.entered {
		c.mu.Unlock()
		panic("isocell: Enter called while already entered on this cell")
	}
	c.entered = true
	c.engine.Lock()
	return &Guard{cell: c}
}

// Engine returns the underlying engine. Panics if the guard has already
// been left.
func (g *Guard) Engine() Engine {
	if g.left {
		panic("isocell: Engine() called on a released guard")
	}
	return g.cell.engine
}

// Leave releases the entered state. Idempotent: calling Leave twice is a
// no-op on the second call, so callers may safely `defer guard.Leave()`
// even after an explicit early Leave.
func (g *Guard) Leave() {
	if g.left {
		return
	}
	g.left = true
	g.cell.engine.Unlock()
	g.cell.mu.Lock()
	g.cell.entered = false
	g.cell.mu.Unlock()
}

// MustNotBeEntered is a best-effort assertion helper for tests/review: it
// panics if the cell currently holds a guard. Intended to be called from
// suspension points (e.g. right before an await boundary) to make
// guard-held-across-await bugs fail loudly instead of deadlocking.
func (c *Cell) MustNotBeEntered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entered {
		panic(fmt.Sprintf("isocell: guard held across a suspension point on cell %p", c))
	}
}
