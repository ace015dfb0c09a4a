package page

import (
	"sync"
	"time"
)

// DefaultWindow is the coalescing window of a Gate.
const DefaultWindow = 100 * time.Millisecond

// Gate collapses bursts of triggers into one deferred call. The first
// Trigger arms a timer and sets the in-flight flag; triggers while in flight
// are dropped; when the timer fires the flag clears and fn runs once.
// Unlike a debounce, later triggers never push the call back.
type Gate struct {
	window time.Duration
	fn     func()

	mu       sync.Mutex
	inFlight bool
	timer    *time.Timer
	stopped  bool
}

// NewGate returns a gate running fn at most once per window.
func NewGate(window time.Duration, fn func()) *Gate {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Gate{window: window, fn: fn}
}

// Trigger arms the gate. It reports whether this trigger armed it.
func (g *Gate) Trigger() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight || g.stopped {
		return false
	}
	g.inFlight = true
	g.timer = time.AfterFunc(g.window, g.fire)
	return true
}

// InFlight reports whether a call is pending.
func (g *Gate) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Stop cancels a pending call and disarms the gate for good.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	if g.timer != nil {
		g.timer.Stop()
	}
	g.inFlight = false
}

func (g *Gate) fire() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.inFlight = false
	g.mu.Unlock()
	g.fn()
}
