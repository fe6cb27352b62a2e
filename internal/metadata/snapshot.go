package metadata

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"
)

// Snapshot is a deep copy of the placement-bearing state: the block
// arena, the stripe table, per-cluster/per-node residency, the merge
// groups, and the free-cluster/aggregation scratch. The merge engine
// takes one before mutating a merge chunk so a chunk whose relocation
// planning fails can be undone wholesale instead of replaying inverse
// operations; the SET path does the same around placement.
//
// Topology identity (cluster/node endpoints) and the object
// visibility tables are not captured: neither path mutates them
// between clone and restore.
type Snapshot struct {
	arena          *BlockArena
	stripes        *btree.BTreeG[stripeEntry]
	clusterBlocks  map[ClusterID]map[BlockID]struct{}
	clusterStripes map[ClusterID][]uint32
	nodeStripes    map[NodeID]map[StripeID]int
	mergeGroups    []MergeGroup
	freeClusters   []uint32
	aggStart       ClusterID
	aggHave        bool
	curStripeID    StripeID
}

// CloneState deep-copies the mutable placement state. Callers must
// hold the lock.
func (t *Tables) CloneState() *Snapshot {
	snap := &Snapshot{
		arena:          &BlockArena{blocks: make(map[BlockID]*Block, len(t.Arena.blocks)), nextID: t.Arena.nextID},
		stripes:        btree.NewG(32, stripeEntry.Less),
		clusterBlocks:  make(map[ClusterID]map[BlockID]struct{}, len(t.Clusters)),
		clusterStripes: make(map[ClusterID][]uint32, len(t.Clusters)),
		nodeStripes:    make(map[NodeID]map[StripeID]int, len(t.Nodes)),
		freeClusters:   t.freeClusters.ToArray(),
		aggStart:       t.aggStart,
		aggHave:        t.aggHave,
		curStripeID:    t.curStripeID,
	}
	snap.mergeGroups = make([]MergeGroup, len(t.MergeGroups))
	for i, g := range t.MergeGroups {
		snap.mergeGroups[i] = MergeGroup{StripeIDs: append([]StripeID(nil), g.StripeIDs...)}
	}
	for id, b := range t.Arena.blocks {
		cp := *b
		snap.arena.blocks[id] = &cp
	}
	t.stripes.Ascend(func(e stripeEntry) bool {
		s := e.stripe
		cp := &Stripe{
			ID:             s.ID,
			K:              s.K,
			G:              s.G,
			L:              s.L,
			Objects:        append([]ObjectRef(nil), s.Objects...),
			Blocks:         append([]BlockID(nil), s.Blocks...),
			Place2Clusters: s.Place2Clusters.Clone(),
		}
		snap.stripes.ReplaceOrInsert(stripeEntry{stripe: cp})
		return true
	})
	for cid, c := range t.Clusters {
		blocks := make(map[BlockID]struct{}, len(c.Blocks))
		for id := range c.Blocks {
			blocks[id] = struct{}{}
		}
		snap.clusterBlocks[cid] = blocks
		snap.clusterStripes[cid] = c.Stripes.ToArray()
	}
	for nid, n := range t.Nodes {
		counts := make(map[StripeID]int, len(n.StripeBlockCount))
		for sid, cnt := range n.StripeBlockCount {
			counts[sid] = cnt
		}
		snap.nodeStripes[nid] = counts
	}
	return snap
}

// RestoreState puts the placement state back to what CloneState
// captured. Callers must hold the lock.
func (t *Tables) RestoreState(snap *Snapshot) {
	t.Arena = snap.arena
	t.stripes = snap.stripes
	t.curStripeID = snap.curStripeID
	t.MergeGroups = snap.mergeGroups
	t.freeClusters = roaring.New()
	t.freeClusters.AddMany(snap.freeClusters)
	t.aggStart = snap.aggStart
	t.aggHave = snap.aggHave
	for cid, c := range t.Clusters {
		c.Blocks = snap.clusterBlocks[cid]
		c.Stripes.Clear()
		c.Stripes.AddMany(snap.clusterStripes[cid])
	}
	for nid, n := range t.Nodes {
		n.StripeBlockCount = snap.nodeStripes[nid]
	}
}
