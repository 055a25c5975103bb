// ABOUTME: Late-data filter dividing on-time stream elements from late ones.
// ABOUTME: Watermark elements always pass; data elements older than the last watermark are dropped.
package watermark

import (
	"sync"
	"time"
)

// LateFilter drops data elements whose timestamp is strictly earlier than the
// most recent watermark it has seen. Watermark elements pass through
// unconditionally and never regress.
type LateFilter[T any] struct {
	// OnLate, if set, is invoked with each dropped item and the watermark
	// that made it late. Used by the engine to route dead letters.
	OnLate func(item T, w time.Time)

	mu   sync.Mutex
	last time.Time
	has  bool
}

// Offer inspects one stream element. The second return is false when the
// element was dropped as late. Watermark elements are clamped so the
// observed watermark sequence stays non-decreasing.
func (f *LateFilter[T]) Offer(el Element[T]) (Element[T], bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if el.IsMark {
		if !f.has || el.Time.After(f.last) {
			f.last = el.Time
			f.has = true
		}
		return Mark[T](f.last), true
	}

	if f.has && el.Time.Before(f.last) {
		if f.OnLate != nil {
			f.OnLate(el.Value, f.last)
		}
		return Element[T]{}, false
	}
	return el, true
}

// Watermark returns the most recent watermark the filter has observed.
func (f *LateFilter[T]) Watermark() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
