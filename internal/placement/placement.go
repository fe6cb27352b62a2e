// Package placement computes per-stripe block→cluster→node assignment.
// A stripe's k data blocks are packed into chunks of at most g+1 per
// cluster, the local parity of each group is co-located with its
// group's short chunk (or with the global parities when the group
// packs evenly), and all g global parities share one cluster. Across
// stripes of a merge group, the multi-stripe strategy (Ran, DIS, AGG,
// OPT) decides which clusters successive stripes may use.
package placement

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dreamware/ecrcoord/internal/ecschema"
	"github.com/dreamware/ecrcoord/internal/metadata"
	"github.com/dreamware/ecrcoord/internal/randsrc"
)

// ErrNoCandidate is returned when no cluster or node can host a block
// without violating the placement rules (every node of a cluster
// already holds the stripe, or every cluster does).
var ErrNoCandidate = errors.New("placement: no candidate cluster or node")

// Engine assigns blocks of new stripes to clusters and nodes. All
// methods require the caller to hold the Tables lock: stripe-id
// allocation and placement must be atomic with respect to concurrent
// SET handlers.
type Engine struct {
	tables *metadata.Tables
	rng    *randsrc.Source
}

// New returns an Engine drawing tie-breaks from rng.
func New(t *metadata.Tables, rng *randsrc.Source) *Engine {
	return &Engine{tables: t, rng: rng}
}

// Place allocates the k+g+l blocks of a freshly created stripe, tags
// their keys and groups, assigns every block to a cluster and node
// under the schema's multi-stripe strategy, and records the stripe in
// the current merge group. It returns the id of a randomly chosen
// cluster from the stripe's placement, which the SET path uses as the
// proxy to drive encoding.
//
// The caller must hold the tables lock and must have already inserted
// the stripe (with its object refs) into the stripe table.
func (e *Engine) Place(s *metadata.Stripe, objectKey string, blockSize int64) (metadata.ClusterID, error) {
	t := e.tables
	schema := t.Schema
	k, g, l := schema.K, schema.G, schema.L

	blocks := make([]*metadata.Block, 0, k+g+l)
	for i := 0; i < k+g+l; i++ {
		b := &metadata.Block{
			Size:     blockSize,
			StripeID: s.ID,
		}
		switch {
		case i < k:
			b.Key = metadata.DataBlockKey(objectKey, i)
			b.Type = metadata.BlockData
			b.ObjectKey = objectKey
			b.BlockIndex = i
			b.Group = i / schema.B
		case i < k+g:
			b.Key = metadata.GlobalBlockKey(s.ID, i-k)
			b.Type = metadata.BlockGlobal
			b.BlockIndex = i
			b.Group = l
		default:
			b.Key = metadata.LocalBlockKey(s.ID, i-k-g)
			b.Type = metadata.BlockLocal
			b.BlockIndex = i
			b.Group = i - k - g
		}
		t.Arena.Alloc(b)
		s.Blocks = append(s.Blocks, b.ID)
		blocks = append(blocks, b)
	}

	var err error
	switch schema.MultiStripePlacement {
	case ecschema.Ran:
		err = e.placeRan(s, blocks)
	case ecschema.DIS:
		err = e.placeDIS(s, blocks)
	case ecschema.AGG:
		err = e.placeAGG(s, blocks)
	case ecschema.OPT:
		err = e.placeOPT(s, blocks)
	default:
		err = fmt.Errorf("placement: unknown multi-stripe strategy %v", schema.MultiStripePlacement)
	}
	if err != nil {
		return 0, err
	}

	return e.pickFromPlacement(s)
}

// pickFromPlacement returns a uniformly random member of the stripe's
// place2clusters set.
func (e *Engine) pickFromPlacement(s *metadata.Stripe) (metadata.ClusterID, error) {
	n := int(s.Place2Clusters.GetCardinality())
	if n == 0 {
		return 0, ErrNoCandidate
	}
	v, err := s.Place2Clusters.Select(uint32(e.rng.IntN(n)))
	if err != nil {
		return 0, err
	}
	return metadata.ClusterID(v), nil
}

// assign places one block on a random free node of the given cluster,
// updating block, cluster, node, and stripe bookkeeping together so
// the residency invariants hold after every single placement.
func (e *Engine) assign(s *metadata.Stripe, b *metadata.Block, cid metadata.ClusterID) error {
	t := e.tables
	c, ok := t.Clusters[cid]
	if !ok {
		return fmt.Errorf("%w: cluster %d not in topology", metadata.ErrNoSuchCluster, cid)
	}
	nid, err := e.randomNode(c, s.ID)
	if err != nil {
		return err
	}
	b.ClusterID = cid
	b.NodeID = nid
	t.Nodes[nid].AddStripeBlock(s.ID)
	c.AddBlock(b.ID, s.ID)
	s.Place2Clusters.Add(uint32(cid))
	return nil
}

// randomNode picks a uniformly random node of the cluster that does
// not yet hold any block of the stripe.
func (e *Engine) randomNode(c *metadata.Cluster, sid metadata.StripeID) (metadata.NodeID, error) {
	free := make([]metadata.NodeID, 0, len(c.Nodes))
	for _, nid := range c.Nodes {
		if !e.tables.Nodes[nid].HoldsStripe(sid) {
			free = append(free, nid)
		}
	}
	if len(free) == 0 {
		return 0, fmt.Errorf("%w: no free node in cluster %d for stripe %d", ErrNoCandidate, c.ID, sid)
	}
	return free[e.rng.IntN(len(free))], nil
}

// randomClusterNotHolding picks a uniformly random cluster that does
// not yet hold any block of the stripe.
func (e *Engine) randomClusterNotHolding(sid metadata.StripeID) (metadata.ClusterID, error) {
	t := e.tables
	free := make([]metadata.ClusterID, 0, len(t.Clusters))
	for cid, c := range t.Clusters {
		if !c.Stripes.Contains(uint32(sid)) {
			free = append(free, cid)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i] < free[j] })
	if len(free) == 0 {
		return 0, fmt.Errorf("%w: every cluster already holds stripe %d", ErrNoCandidate, sid)
	}
	return free[e.rng.IntN(len(free))], nil
}

// popRandomFree removes and returns a uniformly random member of the
// DIS/OPT free-cluster pool.
func (e *Engine) popRandomFree() (metadata.ClusterID, error) {
	fc := e.tables.FreeClusters()
	n := int(fc.GetCardinality())
	if n == 0 {
		return 0, fmt.Errorf("%w: free-cluster pool exhausted", ErrNoCandidate)
	}
	v, err := fc.Select(uint32(e.rng.IntN(n)))
	if err != nil {
		return 0, err
	}
	fc.Remove(v)
	return metadata.ClusterID(v), nil
}

// appendToMergeGroup records the stripe in the current merge group,
// starting a new group when there is none or the current one already
// has x stripes. Returns true when a new group was started.
func (e *Engine) appendToMergeGroup(sid metadata.StripeID, forceNew bool) bool {
	t := e.tables
	idx := len(t.MergeGroups) - 1
	if forceNew || idx < 0 || len(t.MergeGroups[idx].StripeIDs) == t.Schema.X {
		t.MergeGroups = append(t.MergeGroups, metadata.MergeGroup{StripeIDs: []metadata.StripeID{sid}})
		return true
	}
	t.MergeGroups[idx].StripeIDs = append(t.MergeGroups[idx].StripeIDs, sid)
	return false
}

// chunkWalk drives the shared placement loop: for each local group i,
// data blocks are consumed in chunks of at most g+1 consecutive
// indices. pick is called once per chunk to choose the hosting
// cluster; last tells it whether this is the group's final chunk and
// short whether that chunk is short of g+1 blocks (b mod (g+1) != 0).
// The local parity of group i lands with the short final chunk, or —
// when the group packs evenly — with the global parities, whose
// cluster is produced lazily by pickGlobal (at most once per stripe).
func (e *Engine) chunkWalk(
	s *metadata.Stripe,
	blocks []*metadata.Block,
	pick func(last, short bool) (metadata.ClusterID, error),
	pickGlobal func() (metadata.ClusterID, error),
) error {
	schema := e.tables.Schema
	k, g, l, b := schema.K, schema.G, schema.L, schema.B

	gCluster := metadata.ClusterID(-1)
	ensureGlobal := func() error {
		if gCluster != -1 {
			return nil
		}
		cid, err := pickGlobal()
		if err != nil {
			return err
		}
		gCluster = cid
		return nil
	}

	for i := 0; i < l; i++ {
		for j := i * b; j < (i+1)*b; j += g + 1 {
			last := j+g+1 >= (i+1)*b
			short := last && j+g+1 != (i+1)*b
			cid, err := pick(last, short)
			if err != nil {
				return err
			}
			for o := j; o < j+g+1 && o < (i+1)*b; o++ {
				if err := e.assign(s, blocks[o], cid); err != nil {
					return err
				}
			}
			if !last {
				continue
			}
			lp := blocks[k+g+i]
			if short {
				if err := e.assign(s, lp, cid); err != nil {
					return err
				}
			} else {
				if err := ensureGlobal(); err != nil {
					return err
				}
				if err := e.assign(s, lp, gCluster); err != nil {
					return err
				}
			}
		}
	}

	if err := ensureGlobal(); err != nil {
		return err
	}
	for i := 0; i < g; i++ {
		if err := e.assign(s, blocks[k+i], gCluster); err != nil {
			return err
		}
	}
	return nil
}

// placeRan places each chunk on any cluster not yet holding the
// stripe, independently per stripe.
func (e *Engine) placeRan(s *metadata.Stripe, blocks []*metadata.Block) error {
	e.appendToMergeGroup(s.ID, false)
	pick := func(_, _ bool) (metadata.ClusterID, error) {
		return e.randomClusterNotHolding(s.ID)
	}
	return e.chunkWalk(s, blocks, pick, func() (metadata.ClusterID, error) {
		return e.randomClusterNotHolding(s.ID)
	})
}

// placeDIS pops every chunk's cluster from a per-merge-group
// free-cluster pool, guaranteeing distinct clusters across the whole
// merge group. The pool is refilled with all clusters whenever supply
// runs short or a new merge group begins.
func (e *Engine) placeDIS(s *metadata.Stripe, blocks []*metadata.Block) error {
	t := e.tables
	schema := t.Schema
	required := schema.ClustersPerLocalGroup()*schema.L + 1
	if schema.BMod() == 0 {
		required -= schema.L
	}
	fresh := int(t.FreeClusters().GetCardinality()) < required || t.FreeClusters().IsEmpty()
	if e.appendToMergeGroup(s.ID, fresh) {
		t.RefillFreeClusters()
	}
	pick := func(_, _ bool) (metadata.ClusterID, error) { return e.popRandomFree() }
	return e.chunkWalk(s, blocks, pick, e.popRandomFree)
}

// placeAGG reserves a contiguous cluster-id range per merge group,
// whose random start is chosen when the group begins, and fills it
// sequentially chunk by chunk; the global-parity cluster takes the next
// id in sequence when it is first needed: after the last data chunk
// when groups pack short, right after the first group's chunks when
// groups pack evenly.
func (e *Engine) placeAGG(s *metadata.Stripe, blocks []*metadata.Block) error {
	t := e.tables
	schema := t.Schema
	aggNum := schema.ClustersPerLocalGroup()*schema.L + 1
	if schema.BMod() == 0 {
		aggNum -= schema.L
	}
	if e.appendToMergeGroup(s.ID, false) {
		span := len(t.Clusters) - aggNum
		if span <= 0 {
			return fmt.Errorf("%w: %d clusters cannot host an aggregation range of %d", ErrNoCandidate, len(t.Clusters), aggNum)
		}
		t.SetAggStart(metadata.ClusterID(e.rng.IntN(span)))
	}
	start, ok := t.AggStart()
	if !ok {
		return fmt.Errorf("placement: aggregation range not initialized")
	}
	cur := start - 1
	pick := func(_, _ bool) (metadata.ClusterID, error) {
		cur++
		return cur, nil
	}
	return e.chunkWalk(s, blocks, pick, func() (metadata.ClusterID, error) {
		cur++
		return cur, nil
	})
}

// placeOPT hybridizes AGG and DIS: chunks whose local parity will
// later merge with the global parities go into a small aggregation
// range of size l+1 (or 1 when groups pack evenly), everything else is
// popped from the free-cluster pool. The global-parity cluster is
// pinned to the last id of the aggregation range.
func (e *Engine) placeOPT(s *metadata.Stripe, blocks []*metadata.Block) error {
	t := e.tables
	schema := t.Schema
	required := schema.ClustersPerLocalGroup()*schema.L + 1
	aggNum := schema.L + 1
	if schema.BMod() == 0 {
		aggNum = 1
		required -= schema.L
	}
	fresh := int(t.FreeClusters().GetCardinality()) < required-aggNum || t.FreeClusters().IsEmpty()
	if e.appendToMergeGroup(s.ID, fresh) {
		span := len(t.Clusters) - aggNum
		if span <= 0 {
			return fmt.Errorf("%w: %d clusters cannot host an aggregation range of %d", ErrNoCandidate, len(t.Clusters), aggNum)
		}
		start := metadata.ClusterID(e.rng.IntN(span))
		t.SetAggStart(start)
		fc := t.FreeClusters()
		fc.Clear()
		for cid := 0; cid < len(t.Clusters); cid++ {
			if cid < int(start) || cid >= int(start)+aggNum {
				fc.Add(uint32(cid))
			}
		}
	}
	start, ok := t.AggStart()
	if !ok {
		return fmt.Errorf("placement: aggregation range not initialized")
	}
	aggCur := start - 1
	gCluster := start + metadata.ClusterID(aggNum) - 1
	pick := func(last, short bool) (metadata.ClusterID, error) {
		if last && short {
			aggCur++
			return aggCur, nil
		}
		return e.popRandomFree()
	}
	return e.chunkWalk(s, blocks, pick, func() (metadata.ClusterID, error) {
		return gCluster, nil
	})
}
