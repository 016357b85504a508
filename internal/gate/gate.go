// Package gate tracks whether a device's group-session key material may stay
// in memory. It only decides locked/unlocked; dropping and restoring key
// material is the session's job via the lock callback.
package gate

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type State int

const (
	StateActive State = iota
	StateLocked
)

// hiddenGrace is how long a tab may stay hidden before return-to-visible
// forces a lock.
const hiddenGrace = 60 * time.Second

// Gate is the inactivity/visibility lock state machine. All transitions are
// driven by explicit calls plus one timer; the clock is injectable so tests
// never wait on wall time.
type Gate struct {
	mu      sync.Mutex
	clk     clock.Clock
	timeout time.Duration
	onLock  func()

	state    State
	started  bool
	timer    *clock.Timer
	hiddenAt time.Time
}

// New builds a gate that locks after timeout of inactivity. onLock's contract
// is "drop all group-session key material from memory now"; it fires at most
// once per lock event.
func New(clk clock.Clock, timeout time.Duration, onLock func()) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	return &Gate{clk: clk, timeout: timeout, onLock: onLock, state: StateLocked}
}

// Start arms the inactivity timer and enters Active.
func (g *Gate) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = true
	g.state = StateActive
	g.hiddenAt = time.Time{}
	g.armLocked()
}

// Activity resets the inactivity window. No state change.
func (g *Gate) Activity() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started || g.state != StateActive {
		return
	}
	g.armLocked()
}

// Hidden records the moment the tab went hidden.
func (g *Gate) Hidden() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started || g.state != StateActive {
		return
	}
	g.hiddenAt = g.clk.Now()
}

// Visible checks the hidden duration against the grace window; exceeding it
// locks, otherwise nothing happens.
func (g *Gate) Visible() {
	g.mu.Lock()
	if !g.started || g.state != StateActive || g.hiddenAt.IsZero() {
		g.mu.Unlock()
		return
	}
	hidden := g.clk.Now().Sub(g.hiddenAt)
	g.hiddenAt = time.Time{}
	if hidden <= hiddenGrace {
		g.mu.Unlock()
		return
	}
	g.lockLocked()
}

// Lock transitions to Locked. Idempotent: a second call is a no-op and the
// callback does not fire again.
func (g *Gate) Lock() {
	g.mu.Lock()
	if g.state == StateLocked {
		g.mu.Unlock()
		return
	}
	g.lockLocked()
}

// Unlock transitions Locked -> Active and re-arms the timer. PIN verification
// happens before this call; the gate does not check it.
func (g *Gate) Unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started || g.state != StateLocked {
		return
	}
	g.state = StateActive
	g.hiddenAt = time.Time{}
	g.armLocked()
}

// Stop tears down the timer; no further transitions fire until Start.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = false
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) armLocked() {
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = g.clk.AfterFunc(g.timeout, g.timerFired)
}

func (g *Gate) timerFired() {
	g.mu.Lock()
	if !g.started || g.state != StateActive {
		g.mu.Unlock()
		return
	}
	g.lockLocked()
}

// lockLocked finishes a transition to Locked. Callers hold g.mu; the lock is
// released before the callback runs so onLock may call back into the gate.
func (g *Gate) lockLocked() {
	g.state = StateLocked
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	cb := g.onLock
	g.mu.Unlock()
	if cb != nil {
		cb()
	}
}
