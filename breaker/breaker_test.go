// ABOUTME: Tests for the circuit breaker state machine, rolling window, and registry.
// ABOUTME: Covers consecutive-failure trips, rate trips, half-open probes, and LRU eviction.
package breaker

import (
	"errors"
	"testing"
	"time"
)

// fakeClock provides a controllable time source.
type fakeClock struct {
	at time.Time
}

func (c *fakeClock) now() time.Time { return c.at }

func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestBreaker(opts Options) (*Breaker, *fakeClock) {
	clock := &fakeClock{at: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	return newBreaker("test", opts, clock.now), clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(DefaultOptions())
	if b.State() != Closed {
		t.Errorf("expected Closed, got %v", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("expected Allow to pass while Closed, got %v", err)
	}
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(Options{FailureThreshold: 5, OpenTimeout: time.Minute, RollingWindow: time.Minute})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Fatalf("expected Closed after 4 failures, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected Open after 5 consecutive failures, got %v", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen while Open, got %v", err)
	}
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(Options{FailureThreshold: 3, OpenTimeout: time.Minute, RollingWindow: time.Minute})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Errorf("expected Closed: success broke the consecutive run, got %v", b.State())
	}
}

func TestBreakerTripsOnFailureRate(t *testing.T) {
	b, _ := newTestBreaker(Options{
		FailureThreshold: 100, // out of reach
		RateThreshold:    0.5,
		MinSample:        10,
		OpenTimeout:      time.Minute,
		RollingWindow:    time.Minute,
	})

	// Alternate to keep consecutive failures low while the rate climbs.
	for i := 0; i < 5; i++ {
		b.RecordFailure()
		b.RecordSuccess()
	}
	if b.State() != Closed {
		t.Fatalf("expected Closed at 50%% with alternation ending in success, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected Open once rate >= 0.5 with sample >= 10, got %v", b.State())
	}
}

func TestBreakerHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	b, clock := newTestBreaker(Options{FailureThreshold: 1, OpenTimeout: 10 * time.Second, RollingWindow: time.Minute})
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected Open, got %v", b.State())
	}

	clock.advance(11 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("expected HalfOpen after timeout, got %v", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("expected probe allowed in HalfOpen, got %v", err)
	}

	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("expected Closed after half-open success, got %v", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Options{FailureThreshold: 1, OpenTimeout: 10 * time.Second, RollingWindow: time.Minute})
	b.RecordFailure()
	clock.advance(11 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("expected HalfOpen, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected Open after half-open failure, got %v", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected fail-fast after reopen, got %v", err)
	}
}

func TestBreakerEmitsTransitions(t *testing.T) {
	b, clock := newTestBreaker(Options{FailureThreshold: 1, OpenTimeout: 10 * time.Second, RollingWindow: time.Minute})
	var transitions []Transition
	b.OnTransition = func(tr Transition) { transitions = append(transitions, tr) }

	b.RecordFailure()
	clock.advance(11 * time.Second)
	_ = b.State()
	b.RecordSuccess()

	if len(transitions) != 3 {
		t.Fatalf("expected 3 transitions (closed->open->half_open->closed), got %d", len(transitions))
	}
	if transitions[0].To != Open || transitions[1].To != HalfOpen || transitions[2].To != Closed {
		t.Errorf("unexpected transition sequence: %+v", transitions)
	}
}

func TestRollingWindowPurgesExpiredEntries(t *testing.T) {
	clock := &fakeClock{at: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	w := newRollingWindow(10*time.Second, clock.now)

	w.record(false)
	w.record(false)
	clock.advance(11 * time.Second)
	w.record(false)

	total, failures, consecutive := w.stats()
	if total != 1 || failures != 1 || consecutive != 1 {
		t.Errorf("expected only the fresh entry after purge, got total=%d failures=%d consecutive=%d",
			total, failures, consecutive)
	}
}

func TestRegistryReturnsSameBreakerPerKey(t *testing.T) {
	r := NewRegistry(DefaultOptions(), MemoryOptions{})
	a := r.Get("db")
	b := r.Get("db")
	if a != b {
		t.Error("expected the same breaker instance per key")
	}
	if r.Get("queue") == a {
		t.Error("expected distinct breakers per key")
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 tracked breakers, got %d", r.Len())
	}
}

func TestRegistryEvictsAtCap(t *testing.T) {
	r := NewRegistry(DefaultOptions(), MemoryOptions{MaxTracked: 2, AutomaticCleanup: true})
	r.Get("a")
	time.Sleep(time.Millisecond)
	r.Get("b")
	time.Sleep(time.Millisecond)
	r.Get("c")
	if r.Len() != 2 {
		t.Errorf("expected cap of 2 tracked breakers, got %d", r.Len())
	}
}
