// ABOUTME: Circuit breaker state machine (Closed -> Open -> HalfOpen) over a rolling outcome window.
// ABOUTME: Trips on consecutive failures or failure rate, fails fast while Open, probes in HalfOpen.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker is Open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the breaker's current position in its state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures breaker trip thresholds and timing.
type Options struct {
	// FailureThreshold trips the breaker on this many consecutive failures.
	FailureThreshold int
	// RateThreshold trips the breaker when the windowed failure rate reaches
	// this value and at least MinSample operations were recorded.
	RateThreshold float64
	// MinSample is the minimum windowed operation count before RateThreshold
	// applies.
	MinSample int
	// OpenTimeout is how long the breaker stays Open before permitting a
	// HalfOpen probe.
	OpenTimeout time.Duration
	// RollingWindow is the outcome accounting span.
	RollingWindow time.Duration
}

// DefaultOptions returns the standard breaker configuration.
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 5,
		RateThreshold:    0.5,
		MinSample:        10,
		OpenTimeout:      30 * time.Second,
		RollingWindow:    60 * time.Second,
	}
}

// Transition describes one state change, delivered to the OnTransition hook.
type Transition struct {
	Key  string
	From State
	To   State
	At   time.Time
}

// Breaker is a thread-safe circuit breaker for one logical resource.
type Breaker struct {
	key    string
	opts   Options
	window *rollingWindow
	now    func() time.Time

	// OnTransition, if set, is invoked synchronously on every state change.
	// The hook runs under the breaker's lock and must not call back in.
	OnTransition func(Transition)

	mu       sync.Mutex
	state    State
	openedAt time.Time
}

// New creates a Closed breaker with the given key and options.
func New(key string, opts Options) *Breaker {
	return newBreaker(key, opts, time.Now)
}

func newBreaker(key string, opts Options, now func() time.Time) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultOptions().FailureThreshold
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOptions().OpenTimeout
	}
	if opts.RollingWindow <= 0 {
		opts.RollingWindow = DefaultOptions().RollingWindow
	}
	return &Breaker{
		key:    key,
		opts:   opts,
		window: newRollingWindow(opts.RollingWindow, now),
		now:    now,
	}
}

// Key returns the breaker's resource key.
func (b *Breaker) Key() string { return b.key }

// State returns the current state, applying the Open -> HalfOpen timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// maybeHalfOpenLocked moves Open -> HalfOpen once OpenTimeout has elapsed.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.opts.OpenTimeout {
		b.transitionLocked(HalfOpen)
	}
}

// Allow reports whether an operation may proceed. While Open (and before
// OpenTimeout) it returns ErrCircuitOpen without consulting the operation.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	if b.state == Open {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful operation. In HalfOpen, the first
// success closes the breaker and resets the window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.record(true)
	if b.state == HalfOpen {
		b.window.reset()
		b.transitionLocked(Closed)
	}
}

// RecordFailure records a failed operation and applies the trip rules.
// In HalfOpen, the first failure reopens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.record(false)

	switch b.state {
	case HalfOpen:
		b.openLocked()
	case Closed:
		total, _, consecutive := b.window.stats()
		if consecutive >= b.opts.FailureThreshold {
			b.openLocked()
			return
		}
		if b.opts.RateThreshold > 0 && b.opts.MinSample > 0 && total >= b.opts.MinSample &&
			b.window.failureRate() >= b.opts.RateThreshold {
			b.openLocked()
		}
	}
}

func (b *Breaker) openLocked() {
	b.openedAt = b.now()
	b.transitionLocked(Open)
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.OnTransition != nil {
		b.OnTransition(Transition{Key: b.key, From: from, To: to, At: b.now()})
	}
}
