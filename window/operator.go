// ABOUTME: Keyed windowed aggregation operator: assignment, accumulate, trigger on watermark, close.
// ABOUTME: Handles tumbling/sliding/session windows, allowed lateness, and bounded concurrent windows.
package window

import (
	"time"
)

// Emission is one closed window's output.
type Emission[K comparable, Out any] struct {
	Key   K
	Span  Span
	Value Out
	Count int
	// Evicted marks windows closed early by the concurrency cap rather than
	// the watermark.
	Evicted bool
}

// Config bounds operator behavior.
type Config struct {
	Assigner Assigner
	// AllowedLateness extends each window's close past its end.
	AllowedLateness time.Duration
	// MaxConcurrentWindows caps open windows; 0 means unlimited. On
	// overflow the oldest window closes early as evicted.
	MaxConcurrentWindows int
}

// Metrics is a snapshot of operator counters.
type Metrics struct {
	WindowsOpened   int
	WindowsClosed   int
	WindowsEvicted  int
	ActiveWindows   int
	LateDropped     int
	EmptyKeySkipped int
}

// bucket is one open (key, window) accumulator.
type bucket[K comparable, Acc any] struct {
	key   K
	span  Span
	acc   Acc
	count int
	seq   int
}

// Operator folds keyed items into windowed accumulators and emits results as
// the watermark closes windows. Not safe for concurrent use; each aggregate
// node runs its operator on one goroutine.
type Operator[In any, K comparable, Acc any, Out any] struct {
	cfg     Config
	session *SessionAssigner

	keyFn  func(In) (K, bool)
	newAcc func() Acc
	fold   func(Acc, In) Acc
	result func(Acc) Out

	// OnLate, if set, receives items dropped as late beyond allowed
	// lateness.
	OnLate func(item In, watermark time.Time)

	buckets      map[K][]*bucket[K, Acc]
	seq          int
	watermark    time.Time
	hasWatermark bool

	opened, closed, evicted, late, emptyKey int
	active                                  int
}

// Key adapts a plain key extractor into the operator's (key, ok) form,
// skipping items whose key is the zero value of K.
func Key[In any, K comparable](fn func(In) K) func(In) (K, bool) {
	return func(item In) (K, bool) {
		k := fn(item)
		var zero K
		if k == zero {
			return zero, false
		}
		return k, true
	}
}

// NewOperator creates a windowed aggregation operator.
func NewOperator[In any, K comparable, Acc any, Out any](
	cfg Config,
	keyFn func(In) (K, bool),
	newAcc func() Acc,
	fold func(Acc, In) Acc,
	result func(Acc) Out,
) *Operator[In, K, Acc, Out] {
	op := &Operator[In, K, Acc, Out]{
		cfg:     cfg,
		keyFn:   keyFn,
		newAcc:  newAcc,
		fold:    fold,
		result:  result,
		buckets: make(map[K][]*bucket[K, Acc]),
	}
	if s, ok := cfg.Assigner.(*SessionAssigner); ok {
		op.session = s
	}
	return op
}

// Metrics returns a snapshot of the operator's counters.
func (op *Operator[In, K, Acc, Out]) Metrics() Metrics {
	return Metrics{
		WindowsOpened:   op.opened,
		WindowsClosed:   op.closed,
		WindowsEvicted:  op.evicted,
		ActiveWindows:   op.active,
		LateDropped:     op.late,
		EmptyKeySkipped: op.emptyKey,
	}
}

// Watermark returns the operator's current watermark.
func (op *Operator[In, K, Acc, Out]) Watermark() time.Time {
	return op.watermark
}

// Offer folds one item into its windows. Returns emissions forced out by the
// concurrency cap, if any. Items late beyond allowed lateness for every
// assigned window are dropped via OnLate.
func (op *Operator[In, K, Acc, Out]) Offer(item In, ts time.Time) []Emission[K, Out] {
	key, ok := op.keyFn(item)
	if !ok {
		op.emptyKey++
		return nil
	}

	if op.session != nil {
		return op.offerSession(key, item, ts)
	}

	spans := op.cfg.Assigner.Assign(ts)
	onTime := spans[:0]
	for _, s := range spans {
		if !op.closedBy(s, op.watermark) || !op.hasWatermark {
			onTime = append(onTime, s)
		}
	}
	if len(onTime) == 0 {
		op.late++
		if op.OnLate != nil {
			op.OnLate(item, op.watermark)
		}
		return nil
	}

	var forced []Emission[K, Out]
	for _, s := range onTime {
		b, evictions := op.bucketFor(key, s)
		forced = append(forced, evictions...)
		b.acc = op.fold(b.acc, item)
		b.count++
	}
	return forced
}

// closedBy reports whether the watermark has passed the span's close point.
func (op *Operator[In, K, Acc, Out]) closedBy(s Span, w time.Time) bool {
	return !s.End.Add(op.cfg.AllowedLateness).After(w)
}

// offerSession extends (or opens) a session window for the key.
func (op *Operator[In, K, Acc, Out]) offerSession(key K, item In, ts time.Time) []Emission[K, Out] {
	if op.hasWatermark && ts.Add(op.session.Gap).Add(op.cfg.AllowedLateness).Before(op.watermark) {
		op.late++
		if op.OnLate != nil {
			op.OnLate(item, op.watermark)
		}
		return nil
	}

	protoEnd := ts.Add(op.session.Gap)
	for _, b := range op.buckets[key] {
		// Overlap between [ts, protoEnd) and the open session.
		if ts.Before(b.span.End) && protoEnd.After(b.span.Start) {
			if ts.Before(b.span.Start) {
				b.span.Start = ts
			}
			if protoEnd.After(b.span.End) {
				b.span.End = protoEnd
			}
			if op.session.MaxDuration > 0 {
				limit := b.span.Start.Add(op.session.MaxDuration)
				if b.span.End.After(limit) {
					b.span.End = limit
				}
			}
			b.acc = op.fold(b.acc, item)
			b.count++
			return nil
		}
	}

	b, evictions := op.openBucket(key, Span{Start: ts, End: protoEnd})
	b.acc = op.fold(b.acc, item)
	b.count++
	return evictions
}

// bucketFor finds or opens the bucket for (key, span).
func (op *Operator[In, K, Acc, Out]) bucketFor(key K, s Span) (*bucket[K, Acc], []Emission[K, Out]) {
	for _, b := range op.buckets[key] {
		if b.span.Start.Equal(s.Start) && b.span.End.Equal(s.End) {
			return b, nil
		}
	}
	return op.openBucket(key, s)
}

// openBucket creates a bucket, evicting the oldest window if at the cap.
func (op *Operator[In, K, Acc, Out]) openBucket(key K, s Span) (*bucket[K, Acc], []Emission[K, Out]) {
	var forced []Emission[K, Out]
	if op.cfg.MaxConcurrentWindows > 0 && op.active >= op.cfg.MaxConcurrentWindows {
		if victim := op.oldestBucket(); victim != nil {
			op.removeBucket(victim)
			op.evicted++
			forced = append(forced, Emission[K, Out]{
				Key:     victim.key,
				Span:    victim.span,
				Value:   op.result(victim.acc),
				Count:   victim.count,
				Evicted: true,
			})
		}
	}

	op.seq++
	b := &bucket[K, Acc]{key: key, span: s, acc: op.newAcc(), seq: op.seq}
	op.buckets[key] = append(op.buckets[key], b)
	op.opened++
	op.active++
	return b, forced
}

// oldestBucket returns the open bucket with the earliest window start,
// breaking ties by creation order.
func (op *Operator[In, K, Acc, Out]) oldestBucket() *bucket[K, Acc] {
	var oldest *bucket[K, Acc]
	for _, list := range op.buckets {
		for _, b := range list {
			if oldest == nil || b.span.Start.Before(oldest.span.Start) ||
				(b.span.Start.Equal(oldest.span.Start) && b.seq < oldest.seq) {
				oldest = b
			}
		}
	}
	return oldest
}

// removeBucket unlinks a bucket from the keyed index.
func (op *Operator[In, K, Acc, Out]) removeBucket(victim *bucket[K, Acc]) {
	list := op.buckets[victim.key]
	for i, b := range list {
		if b == victim {
			op.buckets[victim.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(op.buckets[victim.key]) == 0 {
		delete(op.buckets, victim.key)
	}
	op.active--
}

// AdvanceWatermark raises the watermark (never lowered) and closes every
// window whose close point it has passed. Emissions are ordered by window
// start so per-key windows close in start order.
func (op *Operator[In, K, Acc, Out]) AdvanceWatermark(w time.Time) []Emission[K, Out] {
	if op.hasWatermark && !w.After(op.watermark) {
		return nil
	}
	op.watermark = w
	op.hasWatermark = true

	var due []*bucket[K, Acc]
	for _, list := range op.buckets {
		for _, b := range list {
			if op.closedBy(b.span, w) {
				due = append(due, b)
			}
		}
	}
	return op.closeBuckets(due)
}

// Flush closes every remaining window; called when the input ends.
func (op *Operator[In, K, Acc, Out]) Flush() []Emission[K, Out] {
	var due []*bucket[K, Acc]
	for _, list := range op.buckets {
		for _, b := range list {
			due = append(due, b)
		}
	}
	return op.closeBuckets(due)
}

// closeBuckets emits and discards the given buckets in window-start order.
// Empty windows never exist: a bucket is only opened by an item.
func (op *Operator[In, K, Acc, Out]) closeBuckets(due []*bucket[K, Acc]) []Emission[K, Out] {
	if len(due) == 0 {
		return nil
	}
	// Insertion sort by (start, seq); due lists are small.
	for i := 1; i < len(due); i++ {
		for j := i; j > 0; j-- {
			a, b := due[j-1], due[j]
			if b.span.Start.Before(a.span.Start) ||
				(b.span.Start.Equal(a.span.Start) && b.seq < a.seq) {
				due[j-1], due[j] = due[j], due[j-1]
			} else {
				break
			}
		}
	}

	out := make([]Emission[K, Out], 0, len(due))
	for _, b := range due {
		op.removeBucket(b)
		op.closed++
		out = append(out, Emission[K, Out]{
			Key:   b.key,
			Span:  b.span,
			Value: op.result(b.acc),
			Count: b.count,
		})
	}
	return out
}
