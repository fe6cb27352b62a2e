package merge

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dreamware/ecrcoord/internal/metadata"
)

// planViolationMoves walks every cluster holding the merged stripe and
// schedules moves for the residency patterns that break single-cluster
// fault tolerance:
//
//   - a global parity sharing a cluster with any data block: every
//     data and local block moves out;
//   - more than g+1 blocks in one cluster: keep the largest local
//     group, trimmed to g+1, move the rest;
//   - blocks from more than one local group: keep only the largest.
//
// Destinations are searched among existing placement clusters first,
// then clusters newly opened this pass, then any cluster holding no
// block of this stripe.
func (e *Engine) planViolationMoves(merged *metadata.Stripe, p *chunkPlan) error {
	g := merged.G
	newSet := roaring.New()

	for _, cv := range merged.Place2Clusters.ToArray() {
		cid := metadata.ClusterID(cv)
		all, data, locals, globals := e.blocksOfStripeIn(cid, merged.ID)
		nt, nd, ng := len(all), len(data), len(globals)
		maxGID, maxNum := e.findMaxGroup(cid, merged.ID)

		var toMove []*metadata.Block
		switch {
		case ng > 0 && nd > 0:
			toMove = append(toMove, data...)
			toMove = append(toMove, locals...)
		case nt > g+1 && nd > 0:
			trim := 0
			if maxNum >= g+1 {
				trim = maxNum - g - 1
			}
			for _, b := range all {
				if b.Group != maxGID {
					toMove = append(toMove, b)
				} else if trim > 0 {
					toMove = append(toMove, b)
					trim--
				}
			}
		case nt != maxNum && nd > 0:
			for _, b := range all {
				if b.Group != maxGID {
					toMove = append(toMove, b)
				}
			}
		}

		for _, b := range toMove {
			dest, ok := e.findDestination(merged, b, cid, nil)
			if !ok {
				dest, ok = e.findDestination(merged, b, cid, newSet)
			}
			if !ok {
				var err error
				dest, err = e.pickUnusedCluster(merged.ID)
				if err != nil {
					return err
				}
				newSet.Add(uint32(dest))
			}
			if err := e.applyMove(merged, b, dest, p); err != nil {
				return err
			}
		}
	}
	merged.Place2Clusters.Or(newSet)
	p.movedViolation = len(p.moves)
	return nil
}

// planCompactnessMoves bounds each local group's cluster footprint to
// ⌈(b'+1)/(g+1)⌉ for the merged stripe's per-group size b', evicting
// the group's blocks from the sparsest clusters until the bound holds.
// Unlike the violation pass there is no fall-back to an unused
// cluster: a block that fits nowhere fails the chunk.
func (e *Engine) planCompactnessMoves(merged *metadata.Stripe, p *chunkPlan) error {
	t := e.tables
	g := merged.G
	bi := merged.K / merged.L
	bound := (bi + 1 + g) / (g + 1) // ceil((b'+1)/(g+1))

	for gid := 0; gid < merged.L; gid++ {
		counts := make([]int, len(t.Clusters))
		occupied := 0
		for cid := 0; cid < len(t.Clusters); cid++ {
			cnt := t.Clusters[metadata.ClusterID(cid)].CountStripeBlocks(t.Arena, merged.ID, gid)
			counts[cid] = cnt
			if cnt > 0 {
				occupied++
			}
		}
		if occupied <= bound {
			continue
		}

		idxs := make([]int, len(counts))
		for i := range idxs {
			idxs[i] = i
		}
		sort.SliceStable(idxs, func(a, b int) bool { return counts[idxs[a]] < counts[idxs[b]] })

		evict := occupied - bound
		var drain []metadata.ClusterID
		for _, idx := range idxs {
			if len(drain) == evict {
				break
			}
			if counts[idx] > 0 {
				drain = append(drain, metadata.ClusterID(idx))
			}
		}

		for _, cid := range drain {
			all, _, _, _ := e.blocksOfStripeIn(cid, merged.ID)
			for _, b := range all {
				if b.Group != gid {
					continue
				}
				dest, ok := e.findDestination(merged, b, cid, nil)
				if !ok {
					return fmt.Errorf("%w: group %d block %s", ErrNoDestination, gid, b.Key)
				}
				if err := e.applyMove(merged, b, dest, p); err != nil {
					return err
				}
			}
		}
	}
	p.movedCompact = len(p.moves) - p.movedViolation
	return nil
}

// findDestination searches candidates for a cluster that can absorb
// the block without breaking fault tolerance: no global parity of this
// stripe, between 1 and g blocks resident, and a majority local group
// matching the block's. Candidates default to the stripe's current
// placement; pass a bitmap to search the pass's newly opened clusters
// instead. Ascending id order keeps the search deterministic.
func (e *Engine) findDestination(merged *metadata.Stripe, b *metadata.Block, src metadata.ClusterID, among *roaring.Bitmap) (metadata.ClusterID, bool) {
	t := e.tables
	set := merged.Place2Clusters
	if among != nil {
		set = among
	}
	for _, cv := range set.ToArray() {
		cid := metadata.ClusterID(cv)
		if cid == src {
			continue
		}
		c := t.Clusters[cid]
		n := c.CountStripeBlocks(t.Arena, merged.ID, -1)
		if n <= 0 || n >= merged.G+1 {
			continue
		}
		if c.HasBlockType(t.Arena, merged.ID, true, metadata.BlockGlobal) {
			continue
		}
		if maxGID, _ := e.findMaxGroup(cid, merged.ID); maxGID == b.Group {
			return cid, true
		}
	}
	return 0, false
}

// pickUnusedCluster returns a uniformly random cluster holding no
// block of the stripe.
func (e *Engine) pickUnusedCluster(sid metadata.StripeID) (metadata.ClusterID, error) {
	t := e.tables
	var empty []metadata.ClusterID
	for cid := 0; cid < len(t.Clusters); cid++ {
		c := t.Clusters[metadata.ClusterID(cid)]
		if c.CountStripeBlocks(t.Arena, sid, -1) == 0 {
			empty = append(empty, metadata.ClusterID(cid))
		}
	}
	if len(empty) == 0 {
		return 0, fmt.Errorf("%w: no cluster free of stripe %d", ErrNoDestination, sid)
	}
	return empty[e.rng.IntN(len(empty))], nil
}

// applyMove re-homes the block onto a random free node of the
// destination cluster and records the move for the relocation RPC.
func (e *Engine) applyMove(merged *metadata.Stripe, b *metadata.Block, dest metadata.ClusterID, p *chunkPlan) error {
	t := e.tables
	nid, err := e.randomNodeIn(dest, merged.ID)
	if err != nil {
		return err
	}
	from := b.NodeID
	t.Nodes[from].RemoveStripeBlock(merged.ID)
	t.Clusters[b.ClusterID].RemoveBlock(b.ID)
	t.Clusters[b.ClusterID].RefreshStripeResidency(t.Arena, merged.ID)
	b.ClusterID = dest
	b.NodeID = nid
	t.Nodes[nid].AddStripeBlock(merged.ID)
	t.Clusters[dest].AddBlock(b.ID, merged.ID)
	p.moves = append(p.moves, moveRec{key: b.Key, from: from, to: nid})
	return nil
}

// randomNodeIn picks a uniformly random node of the cluster not yet
// holding any block of the stripe.
func (e *Engine) randomNodeIn(cid metadata.ClusterID, sid metadata.StripeID) (metadata.NodeID, error) {
	t := e.tables
	c := t.Clusters[cid]
	free := make([]metadata.NodeID, 0, len(c.Nodes))
	for _, nid := range c.Nodes {
		if !t.Nodes[nid].HoldsStripe(sid) {
			free = append(free, nid)
		}
	}
	if len(free) == 0 {
		return 0, fmt.Errorf("%w: no free node in cluster %d", ErrNoDestination, cid)
	}
	return free[e.rng.IntN(len(free))], nil
}

// blocksOfStripeIn returns the cluster's resident blocks of the given
// stripe, split by type, in ascending block-id order.
func (e *Engine) blocksOfStripeIn(cid metadata.ClusterID, sid metadata.StripeID) (all, data, locals, globals []*metadata.Block) {
	t := e.tables
	c := t.Clusters[cid]
	ids := make([]metadata.BlockID, 0, len(c.Blocks))
	for id := range c.Blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, id := range ids {
		b := t.Arena.Get(id)
		if b == nil || b.StripeID != sid {
			continue
		}
		all = append(all, b)
		switch b.Type {
		case metadata.BlockData:
			data = append(data, b)
		case metadata.BlockLocal:
			locals = append(locals, b)
		case metadata.BlockGlobal:
			globals = append(globals, b)
		}
	}
	return all, data, locals, globals
}

// findMaxGroup returns the local group with the most resident blocks
// of the stripe in the cluster (global parities count as group l).
func (e *Engine) findMaxGroup(cid metadata.ClusterID, sid metadata.StripeID) (int, int) {
	t := e.tables
	counts := make(map[int]int)
	for id := range t.Clusters[cid].Blocks {
		b := t.Arena.Get(id)
		if b != nil && b.StripeID == sid {
			counts[b.Group]++
		}
	}
	maxGID, maxNum := -1, 0
	for gid := 0; gid <= t.Schema.L; gid++ {
		if counts[gid] > maxNum {
			maxGID, maxNum = gid, counts[gid]
		}
	}
	return maxGID, maxNum
}
