// ABOUTME: Watermark generation for event-time streams: bounded out-of-orderness and periodic emission.
// ABOUTME: Defines timestamp extraction, the data/watermark stream element, and the late-data filter.
package watermark

import (
	"sync"
	"time"
)

// Timestamped is implemented by payloads that carry their own event time.
type Timestamped interface {
	EventTime() time.Time
}

// TimestampFn extracts an event time from an item that does not implement
// Timestamped.
type TimestampFn[T any] func(T) time.Time

// EventTimeOf resolves an item's event time: an explicit extractor wins,
// then the Timestamped interface. The second return is false when neither
// applies.
func EventTimeOf[T any](item T, fn TimestampFn[T]) (time.Time, bool) {
	if fn != nil {
		return fn(item), true
	}
	if ts, ok := any(item).(Timestamped); ok {
		return ts.EventTime(), true
	}
	return time.Time{}, false
}

// Element is one entry of a watermark-aware stream: either a data item or a
// watermark marker.
type Element[T any] struct {
	Value  T
	Time   time.Time
	IsMark bool
}

// Data wraps an item and its event time as a stream element.
func Data[T any](v T, ts time.Time) Element[T] {
	return Element[T]{Value: v, Time: ts}
}

// Mark wraps a watermark as a stream element.
func Mark[T any](w time.Time) Element[T] {
	return Element[T]{Time: w, IsMark: true}
}

// Generator produces monotone non-decreasing watermarks from observed
// event timestamps.
type Generator interface {
	// Observe records an item's event time.
	Observe(ts time.Time)
	// Current returns the present watermark. The zero time means no
	// watermark has been established yet.
	Current() time.Time
}

// BoundedOutOfOrder emits watermarks maxLag behind the maximum observed
// timestamp, saturating at the zero time before anything is observed.
type BoundedOutOfOrder struct {
	maxLag time.Duration

	mu      sync.Mutex
	maxSeen time.Time
	seen    bool
}

// NewBoundedOutOfOrder creates a generator with the given out-of-orderness
// bound.
func NewBoundedOutOfOrder(maxLag time.Duration) *BoundedOutOfOrder {
	if maxLag < 0 {
		maxLag = 0
	}
	return &BoundedOutOfOrder{maxLag: maxLag}
}

// Observe records an item's event time.
func (g *BoundedOutOfOrder) Observe(ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.seen || ts.After(g.maxSeen) {
		g.maxSeen = ts
		g.seen = true
	}
}

// Current returns maxSeen - maxLag. Monotone because maxSeen only advances.
func (g *BoundedOutOfOrder) Current() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.seen {
		return time.Time{}
	}
	return g.maxSeen.Add(-g.maxLag)
}

// Periodic wraps a BoundedOutOfOrder generator and emits on a wall-clock
// cadence: Due reports whether a new watermark should be injected into the
// stream.
type Periodic struct {
	inner    *BoundedOutOfOrder
	interval time.Duration

	mu       sync.Mutex
	lastEmit time.Time
}

// NewPeriodic creates a periodic generator emitting at the given interval
// with the given out-of-orderness bound.
func NewPeriodic(interval, maxLag time.Duration) *Periodic {
	return &Periodic{inner: NewBoundedOutOfOrder(maxLag), interval: interval}
}

// Observe records an item's event time.
func (g *Periodic) Observe(ts time.Time) {
	g.inner.Observe(ts)
}

// Current returns the present watermark.
func (g *Periodic) Current() time.Time {
	return g.inner.Current()
}

// Due reports whether the emission interval has elapsed since the last call
// that returned true. The first call is always due.
func (g *Periodic) Due(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.lastEmit.IsZero() && now.Sub(g.lastEmit) < g.interval {
		return false
	}
	g.lastEmit = now
	return true
}
