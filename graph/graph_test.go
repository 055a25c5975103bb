// ABOUTME: Tests for the typed builder and build-time validation.
// ABOUTME: Covers type agreement, cycles, single-consumer, duplicate ids, freeze, and rebuild equality.
package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/npipeline/join"
	"github.com/2389-research/npipeline/window"
)

func passthrough(ctx context.Context, in int) Decision[int] {
	return Ok(in)
}

func discard(ctx context.Context, item int) error { return nil }

// buildLinear assembles source -> transform -> sink.
func buildLinear(b *Builder) {
	src := SliceSource(b, "src", []int{1, 2, 3})
	tf := AddTransform(b, "tf", passthrough)
	snk := AddSink(b, "snk", discard)
	Connect(src.Out(), tf.In())
	Connect(tf.Out(), snk.In())
}

func TestBuildLinearGraph(t *testing.T) {
	b := NewBuilder()
	buildLinear(b)
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	order := def.TopoOrder()
	if len(order) != 3 || order[0] != "src" || order[1] != "tf" || order[2] != "snk" {
		t.Errorf("unexpected topo order: %v", order)
	}
	if def.Node("tf").Kind() != KindTransform {
		t.Errorf("expected transform kind, got %v", def.Node("tf").Kind())
	}
	if def.Node("tf").DeclaredCardinality() != OneToOne {
		t.Errorf("expected OneToOne, got %v", def.Node("tf").DeclaredCardinality())
	}
}

func TestRebuildProducesStructurallyEqualGraphs(t *testing.T) {
	build := func() *Definition {
		b := NewBuilder()
		buildLinear(b)
		def, err := b.Build()
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return def
	}
	d1, d2 := build(), build()

	o1, o2 := d1.TopoOrder(), d2.TopoOrder()
	if len(o1) != len(o2) {
		t.Fatalf("node counts differ: %d vs %d", len(o1), len(o2))
	}
	for i := range o1 {
		if o1[i] != o2[i] {
			t.Errorf("topo order differs at %d: %q vs %q", i, o1[i], o2[i])
		}
	}
	e1, e2 := d1.Edges(), d2.Edges()
	if len(e1) != len(e2) {
		t.Fatalf("edge counts differ: %d vs %d", len(e1), len(e2))
	}
	for i := range e1 {
		if e1[i].From != e2[i].From || e1[i].To != e2[i].To || e1[i].ElemType != e2[i].ElemType {
			t.Errorf("edge %d differs: %v vs %v", i, e1[i], e2[i])
		}
	}
}

func TestBuildRejectsTypeMismatchViaConnectByID(t *testing.T) {
	b := NewBuilder()
	SliceSource(b, "src", []int{1})
	AddSink(b, "snk", func(ctx context.Context, s string) error { return nil })
	b.ConnectByID("src", 0, "snk", 0)

	_, err := b.Build()
	var wiring *WiringError
	if !errors.As(err, &wiring) {
		t.Fatalf("expected WiringError for int -> string edge, got %v", err)
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	b := NewBuilder()
	t1 := AddTransform(b, "t1", passthrough)
	t2 := AddTransform(b, "t2", passthrough)
	Connect(t1.Out(), t2.In())
	Connect(t2.Out(), t1.In())

	_, err := b.Build()
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(cycle.Nodes) != 2 {
		t.Errorf("expected both nodes reported in cycle, got %v", cycle.Nodes)
	}
}

func TestBuildRejectsDoubleConsumption(t *testing.T) {
	b := NewBuilder()
	src := SliceSource(b, "src", []int{1})
	s1 := AddSink(b, "s1", discard)
	s2 := AddSink(b, "s2", discard)
	Connect(src.Out(), s1.In())
	Connect(src.Out(), s2.In())

	_, err := b.Build()
	var wiring *WiringError
	if !errors.As(err, &wiring) {
		t.Fatalf("expected WiringError for double-consumed output, got %v", err)
	}
}

func TestBuildRejectsDuplicateNodeIDs(t *testing.T) {
	b := NewBuilder()
	SliceSource(b, "dup", []int{1})
	SliceSource(b, "dup", []int{2})

	_, err := b.Build()
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	if !strings.Contains(err.Error(), "duplicate node id") {
		t.Errorf("expected duplicate id message, got %v", err)
	}
}

func TestBuildRejectsUnconnectedInput(t *testing.T) {
	b := NewBuilder()
	tf := AddTransform(b, "tf", passthrough)
	snk := AddSink(b, "snk", discard)
	Connect(tf.Out(), snk.In())

	_, err := b.Build()
	var wiring *WiringError
	if !errors.As(err, &wiring) {
		t.Fatalf("expected WiringError for dangling input, got %v", err)
	}
}

func TestStrictModeRejectsDanglingOutput(t *testing.T) {
	b := NewBuilder().WithValidationMode(ValidateStrict)
	SliceSource(b, "src", []int{1})

	_, err := b.Build()
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError in strict mode, got %v", err)
	}
}

func TestWarnModeAllowsDanglingOutput(t *testing.T) {
	b := NewBuilder().WithValidationMode(ValidateWarn)
	SliceSource(b, "src", []int{1})

	if _, err := b.Build(); err != nil {
		t.Fatalf("expected warn mode to pass, got %v", err)
	}
}

func TestFrozenNodePanicsOnConfiguration(t *testing.T) {
	b := NewBuilder()
	buildLinear(b)
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic configuring a frozen node")
		}
	}()
	def.Node("tf").WithRetry(DefaultRetryOptions())
}

func TestWithResilienceIsIdempotent(t *testing.T) {
	b := NewBuilder()
	tf := AddTransform(b, "tf", passthrough)

	tf.Node().WithResilience(2).WithResilience(3)
	s := tf.Node().ExecutionStrategy()
	if s.Kind != StrategyResilient {
		t.Fatalf("expected resilient strategy, got %v", s.Kind)
	}
	if s.Inner == nil || s.Inner.Kind != StrategySequential {
		t.Errorf("expected single wrap around sequential, got %+v", s.Inner)
	}
	if tf.Node().Retry().MaxNodeRestartAttempts != 3 {
		t.Errorf("expected restart budget updated to 3, got %d", tf.Node().Retry().MaxNodeRestartAttempts)
	}
}

func TestResilientWrappingIsIdempotentAtStrategyLevel(t *testing.T) {
	inner := Parallel(4)
	once := Resilient(inner)
	twice := Resilient(once)
	if twice.Inner != once.Inner {
		t.Error("expected Resilient(Resilient(s)) == Resilient(s)")
	}
	if once.Unwrap().Kind != StrategyParallel || once.Unwrap().Workers != 4 {
		t.Errorf("expected unwrap to recover the parallel strategy, got %+v", once.Unwrap())
	}
}

type order struct {
	Region string
	ID     int
	Amount float64
}

type regionID struct {
	Region string
	ID     int
}

func TestFieldKeyCompilesAndExtracts(t *testing.T) {
	key := FieldKey[order, string]("Region")
	if got := key(order{Region: "eu"}); got != "eu" {
		t.Errorf("expected eu, got %q", got)
	}
}

func TestFieldKeyPanicsOnMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for wrong key type")
		}
	}()
	FieldKey[order, int]("Region")
}

func TestCompositeKeyCompilesAndExtracts(t *testing.T) {
	key := CompositeKey[order, regionID]("Region", "ID")
	got := key(order{Region: "us", ID: 7})
	if got.Region != "us" || got.ID != 7 {
		t.Errorf("unexpected composite key: %+v", got)
	}
}

func TestCompositeKeyPanicsOnArityMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for arity mismatch")
		}
	}()
	CompositeKey[order, regionID]("Region")
}

func TestJoinAndAggregateHandlesWire(t *testing.T) {
	type left struct {
		K int
		A string
	}
	type right struct {
		K int
		X string
	}
	type out struct {
		K    int
		A, X string
	}

	b := NewBuilder().WithValidationMode(ValidateWarn)
	lsrc := SliceSource(b, "left", []left{{K: 1, A: "a"}})
	rsrc := SliceSource(b, "right", []right{{K: 1, X: "x"}})
	j := AddJoin(b, "join",
		FieldKey[left, int]("K"),
		FieldKey[right, int]("K"),
		func(l left, r right, hasL, hasR bool) out { return out{K: l.K, A: l.A, X: r.X} },
		join.Inner, time.Minute)
	agg := AddAggregate(b, "agg",
		func(o out) int { return o.K },
		func() int { return 0 },
		func(acc int, o out) int { return acc + 1 },
		func(acc int) int { return acc },
		window.Tumbling(time.Minute))
	snk := AddSink(b, "snk", func(ctx context.Context, n int) error { return nil })

	Connect(lsrc.Out(), j.Left())
	Connect(rsrc.Out(), j.Right())
	Connect(j.Out(), agg.In())
	Connect(agg.Out(), snk.In())

	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	jn := def.Node("join")
	if jn.Join() == nil || jn.Join().Mode != join.Inner {
		t.Error("expected join spec with Inner mode")
	}
	if len(jn.InputTypes()) != 2 {
		t.Errorf("expected 2 join input ports, got %d", len(jn.InputTypes()))
	}
	if def.Node("agg").Aggregate() == nil {
		t.Error("expected aggregate spec")
	}

	// Empty-key detection through the erased spec.
	if _, ok := def.Node("agg").Aggregate().Key(out{K: 0}); ok {
		t.Error("expected zero key to be skipped")
	}
	if _, ok := def.Node("agg").Aggregate().Key(out{K: 5}); !ok {
		t.Error("expected non-zero key to pass")
	}
}

func TestDecisionRawForms(t *testing.T) {
	ok := Ok(41).raw()
	if len(ok.Outs) != 1 || ok.Outs[0].(int) != 41 {
		t.Errorf("unexpected ok raw: %+v", ok)
	}
	rej := Reject[int]("nope").raw()
	if !rej.Reject || rej.Reason != "nope" {
		t.Errorf("unexpected reject raw: %+v", rej)
	}
	cause := errors.New("bad")
	fail := FailItem[int](cause).raw()
	if fail.Err != cause {
		t.Errorf("unexpected fail raw: %+v", fail)
	}
}

func TestToDOTIsDeterministic(t *testing.T) {
	build := func() string {
		b := NewBuilder()
		buildLinear(b)
		def, err := b.Build()
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return def.ToDOT("pipeline")
	}
	d1, d2 := build(), build()
	if d1 != d2 {
		t.Error("expected deterministic DOT output")
	}
	if !strings.Contains(d1, "digraph pipeline {") {
		t.Errorf("missing digraph header:\n%s", d1)
	}
	if !strings.Contains(d1, "src -> tf") || !strings.Contains(d1, "tf -> snk") {
		t.Errorf("missing edges:\n%s", d1)
	}
	if !strings.Contains(d1, "Mdiamond") || !strings.Contains(d1, "Msquare") {
		t.Errorf("expected source/sink shapes:\n%s", d1)
	}
}
