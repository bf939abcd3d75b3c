// Package session locks an unlocked vault after a period without user
// interaction.
//
// The guard is a three-state machine: Active (timer armed), Backgrounded
// (timer stopped while the UI is hidden) and Locked. Only an expiry in
// Active locks; the lock callback runs once per expiry and must not block.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout is the idle period after which an active session locks.
const DefaultTimeout = 2 * time.Minute

// State of the guard.
type State int

const (
	Locked State = iota
	Active
	Backgrounded
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Backgrounded:
		return "backgrounded"
	default:
		return "locked"
	}
}

// Snapshot is a consistent view of the guard.
type Snapshot struct {
	State             State
	LastInteractionAt time.Time
	Deadline          time.Time // zero unless Active
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Guard) { g.log = l.With().Str("component", "session").Logger() }
}

// Guard tracks inactivity for one session.
type Guard struct {
	timeout time.Duration
	onLock  func()
	clock   Clock
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	last     time.Time
	deadline time.Time
	timer    Timer
	gen      uint64
}

// New returns a Locked guard. timeout <= 0 means DefaultTimeout. onLock is
// called from the timer goroutine when an active session expires.
func New(timeout time.Duration, onLock func(), opts ...Option) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Guard{
		timeout: timeout,
		onLock:  onLock,
		clock:   SystemClock,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Timeout returns the configured idle period.
func (g *Guard) Timeout() time.Duration { return g.timeout }

// Unlocked starts an active session.
func (g *Guard) Unlocked() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = Active
	g.last = g.clock.Now()
	g.armLocked()
	g.log.Debug().Dur("timeout", g.timeout).Msg("session started")
}

// OnInteraction restarts the idle period. It is ignored unless Active.
func (g *Guard) OnInteraction() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Active {
		return
	}
	g.last = g.clock.Now()
	g.armLocked()
}

// OnBackground suspends the timer.
func (g *Guard) OnBackground() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Active {
		return
	}
	g.stopLocked()
	g.state = Backgrounded
	g.log.Debug().Msg("session backgrounded")
}

// OnForeground resumes a backgrounded session with a full timeout.
func (g *Guard) OnForeground() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Backgrounded {
		return
	}
	g.state = Active
	g.armLocked()
	g.log.Debug().Msg("session foregrounded")
}

// Lock ends the session without calling onLock.
func (g *Guard) Lock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
	g.state = Locked
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Snapshot returns state and timing together.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Snapshot{State: g.state, LastInteractionAt: g.last}
	if g.state == Active {
		s.Deadline = g.deadline
	}
	return s
}

func (g *Guard) armLocked() {
	g.stopLocked()
	gen := g.gen
	g.deadline = g.clock.Now().Add(g.timeout)
	g.timer = g.clock.AfterFunc(g.timeout, func() { g.fire(gen) })
}

// stopLocked also invalidates a fire that is already running.
func (g *Guard) stopLocked() {
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.deadline = time.Time{}
}

func (g *Guard) fire(gen uint64) {
	g.mu.Lock()
	if gen != g.gen || g.state != Active {
		g.mu.Unlock()
		return
	}
	g.state = Locked
	g.timer = nil
	g.deadline = time.Time{}
	idle := g.clock.Now().Sub(g.last)
	g.mu.Unlock()

	g.log.Info().Dur("idle", idle).Msg("session locked after inactivity")
	if g.onLock != nil {
		g.onLock()
	}
}
