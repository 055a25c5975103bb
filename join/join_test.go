// ABOUTME: Tests for the time-windowed join operator across inner and outer modes.
// ABOUTME: Covers key matching, window bounds, watermark eviction, and end-of-input flush.
package join

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type leftRec struct {
	K int
	A string
}

type rightRec struct {
	K int
	X string
}

type joined struct {
	K        int
	A, X     string
	HasLeft  bool
	HasRight bool
}

func newTestOp(mode Mode, window time.Duration) *Operator[leftRec, rightRec, int, joined] {
	return NewOperator(
		func(l leftRec) int { return l.K },
		func(r rightRec) int { return r.K },
		func(l leftRec, r rightRec, hasL, hasR bool) joined {
			k := l.K
			if !hasL {
				k = r.K
			}
			return joined{K: k, A: l.A, X: r.X, HasLeft: hasL, HasRight: hasR}
		},
		mode, window)
}

func TestInnerJoinMatchesOnlySharedKeys(t *testing.T) {
	op := newTestOp(Inner, time.Minute)

	// Spec scenario: L=[(1,a),(2,b)], R=[(1,x),(3,y)] -> only (1,a,x).
	if got := op.OfferLeft(leftRec{K: 1, A: "a"}, epoch); len(got) != 0 {
		t.Errorf("no right side yet, got %v", got)
	}
	op.OfferLeft(leftRec{K: 2, A: "b"}, epoch)
	got := op.OfferRight(rightRec{K: 1, X: "x"}, epoch.Add(time.Second))
	if len(got) != 1 || got[0].A != "a" || got[0].X != "x" {
		t.Fatalf("expected single match (1,a,x), got %v", got)
	}
	if got := op.OfferRight(rightRec{K: 3, X: "y"}, epoch); len(got) != 0 {
		t.Errorf("key 3 has no left partner, got %v", got)
	}
	if rest := op.Flush(); len(rest) != 0 {
		t.Errorf("inner join must not emit on flush, got %v", rest)
	}
}

func TestJoinRespectsTimeWindow(t *testing.T) {
	op := newTestOp(Inner, 10*time.Second)
	op.OfferLeft(leftRec{K: 1, A: "a"}, epoch)

	if got := op.OfferRight(rightRec{K: 1, X: "near"}, epoch.Add(10*time.Second)); len(got) != 1 {
		t.Errorf("expected match at window edge, got %v", got)
	}
	if got := op.OfferRight(rightRec{K: 1, X: "far"}, epoch.Add(11*time.Second)); len(got) != 0 {
		t.Errorf("expected no match outside window, got %v", got)
	}
}

func TestJoinEmitsCrossProduct(t *testing.T) {
	op := newTestOp(Inner, time.Minute)
	op.OfferRight(rightRec{K: 1, X: "x1"}, epoch)
	op.OfferRight(rightRec{K: 1, X: "x2"}, epoch)
	got := op.OfferLeft(leftRec{K: 1, A: "a"}, epoch)
	if len(got) != 2 {
		t.Errorf("expected cross-product of 2, got %v", got)
	}
}

func TestLeftOuterEmitsUnmatchedLeftOnFlush(t *testing.T) {
	op := newTestOp(LeftOuter, time.Minute)
	op.OfferLeft(leftRec{K: 1, A: "a"}, epoch)
	op.OfferLeft(leftRec{K: 2, A: "b"}, epoch)
	op.OfferRight(rightRec{K: 1, X: "x"}, epoch)

	rest := op.Flush()
	if len(rest) != 1 {
		t.Fatalf("expected 1 outer emission, got %v", rest)
	}
	if rest[0].K != 2 || rest[0].HasRight {
		t.Errorf("expected unmatched left (2,b) with no partner, got %+v", rest[0])
	}
}

func TestFullOuterEmitsBothSides(t *testing.T) {
	op := newTestOp(FullOuter, time.Minute)
	op.OfferLeft(leftRec{K: 1, A: "a"}, epoch)
	op.OfferRight(rightRec{K: 2, X: "x"}, epoch)

	rest := op.Flush()
	if len(rest) != 2 {
		t.Fatalf("expected 2 outer emissions, got %v", rest)
	}
	var sawLeft, sawRight bool
	for _, j := range rest {
		if j.HasLeft && !j.HasRight {
			sawLeft = true
		}
		if j.HasRight && !j.HasLeft {
			sawRight = true
		}
	}
	if !sawLeft || !sawRight {
		t.Errorf("expected one left-only and one right-only emission, got %v", rest)
	}
}

func TestWatermarkEvictsExpiredEntries(t *testing.T) {
	op := newTestOp(LeftOuter, 10*time.Second)
	op.OfferLeft(leftRec{K: 1, A: "old"}, epoch)
	op.OfferLeft(leftRec{K: 2, A: "fresh"}, epoch.Add(30*time.Second))

	outer := op.AdvanceWatermark(epoch.Add(20 * time.Second))
	if len(outer) != 1 || outer[0].A != "old" {
		t.Fatalf("expected expired unmatched left emitted as outer, got %v", outer)
	}
	if op.BufferedLeft() != 1 {
		t.Errorf("expected 1 left entry remaining, got %d", op.BufferedLeft())
	}

	// A right item arriving now can no longer match the evicted entry.
	if got := op.OfferRight(rightRec{K: 1, X: "x"}, epoch.Add(25*time.Second)); len(got) != 0 {
		t.Errorf("expected no match against evicted entry, got %v", got)
	}
}

func TestWatermarkIsMonotone(t *testing.T) {
	op := newTestOp(LeftOuter, time.Second)
	op.OfferLeft(leftRec{K: 1, A: "a"}, epoch)
	op.AdvanceWatermark(epoch.Add(time.Minute))
	if got := op.AdvanceWatermark(epoch.Add(30 * time.Second)); got != nil {
		t.Errorf("regressing watermark must be a no-op, got %v", got)
	}
}

func TestMatchedEntriesDoNotReEmitOnEviction(t *testing.T) {
	op := newTestOp(FullOuter, 10*time.Second)
	op.OfferLeft(leftRec{K: 1, A: "a"}, epoch)
	op.OfferRight(rightRec{K: 1, X: "x"}, epoch)

	outer := op.AdvanceWatermark(epoch.Add(time.Minute))
	if len(outer) != 0 {
		t.Errorf("matched entries must not produce outer emissions, got %v", outer)
	}
}
