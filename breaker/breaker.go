// Package breaker implements a three-state circuit breaker used by the HTTP
// client and WebSocket transport to stop hammering unhealthy peers.
//
// A breaker starts Closed. After a run of consecutive failures reaches the
// threshold it opens; while open every attempt is refused without touching
// the network. Once the reset timeout elapses, exactly one caller is allowed
// through as a probe (HalfOpen). A successful probe closes the breaker; a
// failed probe reopens it for another timeout.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultThreshold is the consecutive-failure count that opens a breaker.
	DefaultThreshold = 5
	// DefaultTimeout is how long an open breaker refuses attempts before
	// allowing a probe.
	DefaultTimeout = 60 * time.Second
)

// State is the breaker state machine position.
type State int

const (
	// Closed lets all attempts through.
	Closed State = iota
	// Open refuses all attempts until the reset timeout elapses.
	Open
	// HalfOpen lets a single probe attempt through.
	HalfOpen
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// OpenError is returned by callers that gate on a breaker when the breaker
// refuses the attempt. It carries the peer and the failure run that opened
// the circuit.
type OpenError struct {
	// Name is the breaker name, usually the peer's base URL.
	Name string
	// Failures is the consecutive-failure count at refusal time.
	Failures int
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s after %d consecutive failures", e.Name, e.Failures)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive-failure count that opens the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithTimeout sets how long the breaker stays open before allowing a probe.
func WithTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithStateChangeHook registers a callback invoked on every state
// transition. The callback runs while the breaker lock is held, so it must
// not call back into the breaker.
func WithStateChangeHook(hook func(name string, from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = hook
	}
}

// Breaker is a mutex-guarded circuit breaker. One Breaker tracks one peer.
type Breaker struct {
	mu            sync.Mutex
	name          string
	state         State
	failures      int
	threshold     int
	timeout       time.Duration
	openedAt      time.Time
	probing       bool
	onStateChange func(name string, from, to State)
}

// New creates a Closed breaker for the named peer.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		state:     Closed,
		threshold: DefaultThreshold,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether an attempt may proceed. While open, the first call
// after the reset timeout transitions to HalfOpen and claims the single
// probe permit; concurrent callers keep getting false until the probe
// resolves via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) < b.timeout {
			return false
		}
		b.transition(HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful attempt. A successful probe closes the
// breaker; in the Closed state it resets the failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != Closed {
		b.transition(Closed)
	}
}

// RecordFailure notes a failed attempt. In the Closed state it extends the
// failure run and opens the breaker at the threshold; a failed probe reopens
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false

	switch b.state {
	case Closed:
		if b.failures >= b.threshold {
			b.openedAt = time.Now()
			b.transition(Open)
		}
	case HalfOpen:
		b.openedAt = time.Now()
		b.transition(Open)
	case Open:
		// Already open; refresh nothing, the original openedAt holds.
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(b.name, from, to)
	}
}

// OpenError builds the refusal error for this breaker's current failure run.
func (b *Breaker) OpenError() *OpenError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &OpenError{Name: b.name, Failures: b.failures}
}

// Snapshot is a point-in-time view of breaker internals for logging and
// metrics.
type Snapshot struct {
	Name     string
	State    State
	Failures int
	OpenedAt time.Time
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:     b.name,
		State:    b.state,
		Failures: b.failures,
		OpenedAt: b.openedAt,
	}
}
