package supervisor

import "sync"

// pauseGate is the cooperative pause point. Wait returns a channel that is
// closed while the gate is open; pausing swaps in an unclosed channel so the
// next BeforeNode blocks until resume.
type pauseGate struct {
	mu     sync.Mutex
	ch     chan struct{}
	paused bool
}

func newPauseGate() *pauseGate {
	ch := make(chan struct{})
	close(ch)
	return &pauseGate{ch: ch}
}

// Pause arms the gate. Idempotent.
func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.ch = make(chan struct{})
	}
}

// Resume opens the gate and releases any waiter. Idempotent.
func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.ch)
	}
}

// Wait returns the channel to block on.
func (g *pauseGate) Wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Paused reports whether the gate is armed.
func (g *pauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}
