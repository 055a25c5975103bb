// ABOUTME: Item-level lineage tracking: envelopes, hop records, deterministic sampling, and finalization.
// ABOUTME: Envelopes carry a stable ULID from the producing source across every hop of the graph.
package lineage

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Outcome is a bit set describing what happened to an item at one hop.
type Outcome uint16

const (
	Emitted Outcome = 1 << iota
	FilteredOut
	Joined
	Aggregated
	Retried
	Errored
	DeadLettered
	Evicted
)

// Has reports whether all flags in o2 are set on o.
func (o Outcome) Has(o2 Outcome) bool {
	return o&o2 == o2
}

// Cardinality describes how many outputs one hop produced for an item.
type Cardinality int

const (
	CardUnknown Cardinality = iota
	CardZero
	CardOne
	CardMany
)

// Hop is one node's contribution to an item's lineage record.
type Hop struct {
	NodeID       string
	Outcome      Outcome
	Cardinality  Cardinality
	InputIndices []int
	Emissions    int
	At           time.Time
}

// Envelope wraps an item while it moves through the graph. The ID is assigned
// once by the producing source and never changes; Path is append-only.
type Envelope struct {
	Data      any
	ID        ulid.ULID
	Path      []string
	Hops      []Hop
	Collect   bool
	Truncated bool
}

// Clone returns a copy of the envelope with independent Path and Hops slices,
// preserving the lineage ID. Used when a hop fans one item out into many.
func (e *Envelope) Clone() *Envelope {
	c := &Envelope{
		Data:      e.Data,
		ID:        e.ID,
		Collect:   e.Collect,
		Truncated: e.Truncated,
	}
	c.Path = append(c.Path, e.Path...)
	c.Hops = append(c.Hops, e.Hops...)
	return c
}

// Record is the finalized lineage of one item, delivered to the sink.
type Record struct {
	RunID     string
	ID        ulid.ULID
	Data      any
	Path      []string
	Hops      []Hop
	Truncated bool
}

// Options configures item-level lineage collection.
type Options struct {
	// Enabled turns item-level tracking on. When off, envelopes carry only
	// the lineage ID and traversal path.
	Enabled bool
	// SampleEvery collects every n-th lineage ID; values <= 1 collect all.
	SampleEvery int
	// MaxHopsPerItem caps the per-item hop list; 0 means DefaultMaxHops.
	MaxHopsPerItem int
	// MaxContributors caps mapper-side input contributors per output;
	// 0 means unlimited.
	MaxContributors int
	// Overflow selects Strict or WarnContinue behavior when mapper caps are
	// exceeded.
	Overflow OverflowPolicy
	// RedactData drops item payloads from finalized records.
	RedactData bool
}

// DefaultMaxHops bounds the per-item hop list when Options does not.
const DefaultMaxHops = 64

// Tracker assigns lineage envelopes, records hops, and finalizes records to
// the configured sink. Safe for concurrent use by node runners.
type Tracker struct {
	opts   Options
	sink   Sink
	runID  string
	logger *slog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewTracker creates a tracker delivering finalized records to sink.
// A nil sink discards records.
func NewTracker(runID string, opts Options, sink Sink, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		opts:    opts,
		sink:    sink,
		runID:   runID,
		logger:  logger,
		entropy: ulid.DefaultEntropy(),
	}
}

// maxHops returns the effective hop cap.
func (t *Tracker) maxHops() int {
	if t.opts.MaxHopsPerItem > 0 {
		return t.opts.MaxHopsPerItem
	}
	return DefaultMaxHops
}

// NewEnvelope assigns a fresh lineage ID for an item produced by the given
// source node. The collect bit is set by deterministic sampling so a given
// lineage ID always samples the same way.
func (t *Tracker) NewEnvelope(data any, sourceNodeID string) *Envelope {
	t.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), t.entropy)
	t.mu.Unlock()

	return &Envelope{
		Data:    data,
		ID:      id,
		Path:    []string{sourceNodeID},
		Collect: t.opts.Enabled && Sampled(id, t.opts.SampleEvery),
	}
}

// Visit appends nodeID to the envelope's traversal path.
func (t *Tracker) Visit(env *Envelope, nodeID string) {
	env.Path = append(env.Path, nodeID)
}

// RecordHop appends a hop to the envelope if it is collected and under the
// hop cap. Hops on uncollected envelopes are ignored; on a collected envelope
// at the cap the record is marked truncated and the hop discarded.
func (t *Tracker) RecordHop(env *Envelope, hop Hop) {
	if !env.Collect {
		return
	}
	if len(env.Hops) >= t.maxHops() {
		env.Truncated = true
		return
	}
	if hop.At.IsZero() {
		hop.At = time.Now()
	}
	env.Hops = append(env.Hops, hop)
}

// Finalize delivers the envelope's lineage record to the sink. Sink failures
// are logged, never propagated: observability must not fail the pipeline.
func (t *Tracker) Finalize(env *Envelope) {
	if t.sink == nil || !env.Collect {
		return
	}
	rec := Record{
		RunID:     t.runID,
		ID:        env.ID,
		Path:      env.Path,
		Hops:      env.Hops,
		Truncated: env.Truncated,
	}
	if !t.opts.RedactData {
		rec.Data = env.Data
	}
	if err := t.sink.Write(rec); err != nil {
		t.logger.Warn("lineage sink write failed", "lineage_id", env.ID.String(), "error", err)
	}
}

// Sampled reports whether a lineage ID is collected under the given sampling
// rate. Deterministic: the same ID always gives the same answer.
func Sampled(id ulid.ULID, sampleEvery int) bool {
	if sampleEvery <= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write(id[:])
	return h.Sum32()%uint32(sampleEvery) == 0
}
