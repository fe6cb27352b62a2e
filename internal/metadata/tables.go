package metadata

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"

	"github.com/dreamware/ecrcoord/internal/ecschema"
)

// ObjectState is the in-flight or committed state of one object.
type ObjectState struct {
	Key      string
	Size     int64
	StripeID StripeID
}

// MergeGroup is an ordered list of stripe ids placed together so that
// merging them later is I/O-efficient.
type MergeGroup struct {
	StripeIDs []StripeID
}

// Tables is the coordinator's entire shared, in-memory state: the
// block arena, the stripe/cluster/node catalogs, the object
// visibility tables, the merge-group list, and the placement-only
// scratch state (free-cluster pools, aggregation-range starts). A
// single mutex guards all of it; the Cond is built on the same mutex
// and gates CheckCommitAbort waiters.
//
// Topology (clusters/nodes) is installed once at startup and is not
// reset by SetParameter; everything else is.
type Tables struct {
	mu   sync.Mutex
	cond *sync.Cond

	Schema    ecschema.Schema
	schemaSet bool

	Arena *BlockArena

	stripes *btree.BTreeG[stripeEntry]

	Clusters map[ClusterID]*Cluster
	Nodes    map[NodeID]*Node

	ObjectUpdating map[string]ObjectState
	ObjectCommit   map[string]ObjectState
	StripeDeleting *roaring.Bitmap

	MergeGroups []MergeGroup
	MergeDegree int

	curStripeID StripeID

	// Placement scratch state, reset by SetParameter, read/written
	// only by internal/placement via the accessors below.
	freeClusters *roaring.Bitmap
	aggStart     ClusterID
	aggHave      bool
}

// NewTables creates an empty Tables with the given topology already
// installed. Topology survives SetParameter calls.
func NewTables(clusters map[ClusterID]*Cluster, nodes map[NodeID]*Node) *Tables {
	t := &Tables{
		Arena:          NewBlockArena(),
		stripes:        btree.NewG(32, stripeEntry.Less),
		Clusters:       clusters,
		Nodes:          nodes,
		ObjectUpdating: make(map[string]ObjectState),
		ObjectCommit:   make(map[string]ObjectState),
		StripeDeleting: roaring.New(),
		freeClusters:   roaring.New(),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Lock/Unlock/Cond expose the shared lock to other packages in this
// module (placement, merge, coordinatorsrv) that must perform
// multi-step mutations atomically.
func (t *Tables) Lock()         { t.mu.Lock() }
func (t *Tables) Unlock()       { t.mu.Unlock() }
func (t *Tables) Cond() *sync.Cond { return t.cond }

// SetParameter installs a new schema and resets all placement and
// object state. Topology is untouched, and the stripe-id counter keeps
// counting so ids are never reused. Callers must validate the
// schema with Schema.Validate first; SetParameter does not re-derive
// the arithmetic checks.
func (t *Tables) SetParameter(schema ecschema.Schema) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Schema = schema
	t.schemaSet = true
	t.Arena = NewBlockArena()
	t.stripes = btree.NewG(32, stripeEntry.Less)
	for _, c := range t.Clusters {
		c.Blocks = make(map[BlockID]struct{})
		c.Stripes = roaring.New()
	}
	for _, n := range t.Nodes {
		n.StripeBlockCount = make(map[StripeID]int)
	}
	t.ObjectUpdating = make(map[string]ObjectState)
	t.ObjectCommit = make(map[string]ObjectState)
	t.StripeDeleting = roaring.New()
	t.MergeGroups = nil
	t.MergeDegree = 0
	t.freeClusters = roaring.New()
	t.aggHave = false
}

// SchemaSet reports whether setParameter has ever been called.
func (t *Tables) SchemaSet() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.schemaSet
}

// NextStripeID allocates a fresh, never-reused stripe id. Callers
// must hold the lock: a SET allocates its stripe id and runs
// placement as one atomic step.
func (t *Tables) NextStripeID() StripeID {
	id := t.curStripeID
	t.curStripeID++
	return id
}

// PutStripe inserts or replaces a stripe in the ordered stripe table.
// Callers must hold the lock.
func (t *Tables) PutStripe(s *Stripe) {
	t.stripes.ReplaceOrInsert(stripeEntry{stripe: s})
}

// GetStripe returns the stripe with the given id, or nil. Callers
// must hold the lock.
func (t *Tables) GetStripe(id StripeID) *Stripe {
	e, ok := t.stripes.Get(stripeEntry{stripe: &Stripe{ID: id}})
	if !ok {
		return nil
	}
	return e.stripe
}

// DeleteStripe removes a stripe from the stripe table. Callers must
// hold the lock.
func (t *Tables) DeleteStripe(id StripeID) {
	t.stripes.Delete(stripeEntry{stripe: &Stripe{ID: id}})
}

// ListStripeIDs returns every stripe id currently in the stripe
// table, in ascending order (the btree gives this for free). Callers
// must hold the lock.
func (t *Tables) ListStripeIDs() []StripeID {
	ids := make([]StripeID, 0, t.stripes.Len())
	t.stripes.Ascend(func(e stripeEntry) bool {
		ids = append(ids, e.stripe.ID)
		return true
	})
	return ids
}

// StripeCount returns the number of stripes currently in the table.
// Callers must hold the lock.
func (t *Tables) StripeCount() int {
	return t.stripes.Len()
}

// FreeClusters exposes the per-merge-group free-cluster pool used by
// the DIS and OPT placement strategies. Callers must hold the lock.
func (t *Tables) FreeClusters() *roaring.Bitmap { return t.freeClusters }

// RefillFreeClusters resets the free-cluster pool to contain every
// known cluster id. Called when DIS/OPT start a new merge group.
func (t *Tables) RefillFreeClusters() {
	t.freeClusters = roaring.New()
	for id := range t.Clusters {
		t.freeClusters.Add(uint32(id))
	}
}

// AggStart returns the current aggregation-range base cluster id for
// the AGG/OPT strategies, and whether one has been chosen yet for the
// current merge group.
func (t *Tables) AggStart() (ClusterID, bool) { return t.aggStart, t.aggHave }

// SetAggStart records a freshly chosen aggregation-range base.
func (t *Tables) SetAggStart(c ClusterID) {
	t.aggStart = c
	t.aggHave = true
}

// ClearAggStart forgets the aggregation-range base, forcing the next
// AGG/OPT placement to pick a fresh one.
func (t *Tables) ClearAggStart() { t.aggHave = false }
