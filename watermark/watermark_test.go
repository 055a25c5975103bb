// ABOUTME: Tests for watermark generators and the late-data filter.
// ABOUTME: Covers monotonicity, out-of-orderness bounds, periodic cadence, and late-drop routing.
package watermark

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestBoundedOutOfOrderZeroBeforeObservation(t *testing.T) {
	g := NewBoundedOutOfOrder(2 * time.Second)
	if !g.Current().IsZero() {
		t.Errorf("expected zero watermark before any observation, got %v", g.Current())
	}
}

func TestBoundedOutOfOrderLagsMaxSeen(t *testing.T) {
	g := NewBoundedOutOfOrder(2 * time.Second)
	g.Observe(epoch.Add(10 * time.Second))
	want := epoch.Add(8 * time.Second)
	if !g.Current().Equal(want) {
		t.Errorf("expected watermark %v, got %v", want, g.Current())
	}
}

func TestBoundedOutOfOrderMonotone(t *testing.T) {
	g := NewBoundedOutOfOrder(time.Second)
	g.Observe(epoch.Add(10 * time.Second))
	before := g.Current()
	// An older timestamp must not regress the watermark.
	g.Observe(epoch.Add(3 * time.Second))
	if g.Current().Before(before) {
		t.Errorf("watermark regressed from %v to %v", before, g.Current())
	}
}

func TestPeriodicDueCadence(t *testing.T) {
	g := NewPeriodic(10*time.Second, time.Second)
	now := epoch
	if !g.Due(now) {
		t.Fatal("first Due call should emit")
	}
	if g.Due(now.Add(5 * time.Second)) {
		t.Error("Due before interval elapsed should not emit")
	}
	if !g.Due(now.Add(11 * time.Second)) {
		t.Error("Due after interval elapsed should emit")
	}
}

func TestLateFilterPassesMarksAndDropsLateData(t *testing.T) {
	var dropped []string
	f := &LateFilter[string]{OnLate: func(item string, w time.Time) {
		dropped = append(dropped, item)
	}}

	if _, ok := f.Offer(Data("early", epoch.Add(time.Second))); !ok {
		t.Error("data before any watermark should pass")
	}
	if _, ok := f.Offer(Mark[string](epoch.Add(5 * time.Second))); !ok {
		t.Error("watermark elements must always pass")
	}
	if _, ok := f.Offer(Data("late", epoch.Add(2*time.Second))); ok {
		t.Error("data behind the watermark should be dropped")
	}
	if _, ok := f.Offer(Data("ontime", epoch.Add(7*time.Second))); !ok {
		t.Error("data at or after the watermark should pass")
	}

	if len(dropped) != 1 || dropped[0] != "late" {
		t.Errorf("expected OnLate callback for [late], got %v", dropped)
	}
}

func TestLateFilterClampsRegressingMark(t *testing.T) {
	f := &LateFilter[int]{}
	f.Offer(Mark[int](epoch.Add(10 * time.Second)))
	out, ok := f.Offer(Mark[int](epoch.Add(4 * time.Second)))
	if !ok {
		t.Fatal("watermark elements must always pass")
	}
	if !out.Time.Equal(epoch.Add(10 * time.Second)) {
		t.Errorf("expected regressing mark clamped to %v, got %v", epoch.Add(10*time.Second), out.Time)
	}
}

type stampedItem struct {
	at time.Time
}

func (s stampedItem) EventTime() time.Time { return s.at }

func TestEventTimeOfPrefersExtractorThenInterface(t *testing.T) {
	item := stampedItem{at: epoch}

	ts, ok := EventTimeOf(item, nil)
	if !ok || !ts.Equal(epoch) {
		t.Errorf("expected interface timestamp %v, got %v (ok=%v)", epoch, ts, ok)
	}

	override := epoch.Add(time.Hour)
	ts, ok = EventTimeOf(item, func(stampedItem) time.Time { return override })
	if !ok || !ts.Equal(override) {
		t.Errorf("expected extractor to win with %v, got %v", override, ts)
	}

	_, ok = EventTimeOf(42, nil)
	if ok {
		t.Error("expected no timestamp for plain int")
	}
}
