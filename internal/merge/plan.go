package merge

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dreamware/ecrcoord/internal/ecschema"
	"github.com/dreamware/ecrcoord/internal/metadata"
	"github.com/dreamware/ecrcoord/internal/proxyrpc"
)

// helperCall pairs a help-recompute plan with the cluster whose proxy
// receives it.
type helperCall struct {
	plan    proxyrpc.HelpRecalPlan
	cluster metadata.ClusterID
}

// moveRec is one planned block relocation, by node.
type moveRec struct {
	key      string
	from, to metadata.NodeID
}

// chunkPlan is everything the RPC phase needs once planning has
// committed to the metadata tables: recompute plans, the old-parity
// delete batch, and the relocation move list.
type chunkPlan struct {
	lClusters   []metadata.ClusterID
	lMains      []proxyrpc.MainRecalPlan
	lHelps      [][]helperCall
	gHelps      []helperCall
	delClusters []metadata.ClusterID
	moves       []moveRec
	gMain       proxyrpc.MainRecalPlan
	deletePlan  proxyrpc.DeletePlan
	relocPlan   proxyrpc.RelocPlan
	blockSize   int64
	newID       metadata.StripeID
	gCluster    metadata.ClusterID

	movedViolation int
	movedCompact   int
}

// planChunk re-parents the chunk's data blocks onto a fresh merged
// stripe, retires the old parities, picks hosts for the new ones,
// plans every relocation the fault-tolerance and compactness bounds
// demand, and assembles the proxy RPC payloads. Caller holds the
// tables lock; on error the caller restores the pre-chunk snapshot.
func (e *Engine) planChunk(chunk []metadata.StripeID) (*chunkPlan, *metadata.Stripe, error) {
	t := e.tables
	schema := t.Schema
	g, l := schema.G, schema.L
	s := len(chunk)

	newID := t.NextStripeID()
	merged := &metadata.Stripe{
		ID:             newID,
		G:              g,
		L:              l,
		Place2Clusters: roaring.New(),
	}

	p := &chunkPlan{
		newID:      newID,
		lClusters:  make([]metadata.ClusterID, l),
		deletePlan: proxyrpc.DeletePlan{StripeID: -1},
	}

	// Per-cluster source-block locations: data blocks drive the global
	// recompute; each group's old parities (plus, for Optimal-Cauchy,
	// the old and new globals) drive that group's local recompute.
	blockLoc := map[metadata.ClusterID]*proxyrpc.ClusterPlan{}
	parityLoc := make([]map[metadata.ClusterID]*proxyrpc.ClusterPlan, l)
	for i := range parityLoc {
		parityLoc[i] = map[metadata.ClusterID]*proxyrpc.ClusterPlan{}
	}
	ensureLoc := func(m map[metadata.ClusterID]*proxyrpc.ClusterPlan, cid metadata.ClusterID) *proxyrpc.ClusterPlan {
		loc, ok := m[cid]
		if !ok {
			c := t.Clusters[cid]
			loc = &proxyrpc.ClusterPlan{ClusterID: int(cid), ProxyIP: c.ProxyIP, ProxyPort: c.ProxyPort}
			m[cid] = loc
		}
		return loc
	}

	var lNodes, gNodes []metadata.NodeID
	var oldParityClusters []metadata.ClusterID
	seenParityCluster := roaring.New()
	curBlockID := 0

	for _, sid := range chunk {
		st := t.GetStripe(sid)
		if st == nil {
			return nil, nil, fmt.Errorf("%w: stripe %d", metadata.ErrNoSuchStripe, sid)
		}
		// Sources may themselves be merged stripes, so the merged data
		// width scales the source's, not the schema's.
		merged.K = st.K * s
		merged.Objects = append(merged.Objects, st.Objects...)
		for _, bid := range st.Blocks {
			b := t.Arena.Get(bid)
			if b == nil {
				return nil, nil, fmt.Errorf("merge: stripe %d references freed block %d", sid, bid)
			}
			p.blockSize = b.Size
			n := t.Nodes[b.NodeID]
			switch b.Type {
			case metadata.BlockData:
				b.StripeID = newID
				b.BlockIndex = curBlockID
				curBlockID++
				merged.Blocks = append(merged.Blocks, bid)
				loc := ensureLoc(blockLoc, b.ClusterID)
				loc.Nodes = append(loc.Nodes, proxyrpc.DataNode{
					IP: n.IP, Port: n.Port, BlockKey: b.Key, BlockID: b.BlockIndex,
				})
				n.RemoveStripeBlock(sid)
				n.AddStripeBlock(newID)
				t.Clusters[b.ClusterID].Stripes.Add(uint32(newID))

			case metadata.BlockLocal:
				gid := b.Group
				p.lClusters[gid] = b.ClusterID
				lNodes = append(lNodes, b.NodeID)
				loc := ensureLoc(parityLoc[gid], b.ClusterID)
				loc.Nodes = append(loc.Nodes, proxyrpc.DataNode{IP: n.IP, Port: n.Port, BlockKey: b.Key})
				e.retireParity(p, b, &oldParityClusters, seenParityCluster)

			case metadata.BlockGlobal:
				p.gCluster = b.ClusterID
				gNodes = append(gNodes, b.NodeID)
				if schema.EncodeType == ecschema.OptimalCauchyLRC {
					// The merged stripe's local parities can be derived
					// from the old globals, sparing a data readback.
					for gid := 0; gid < l; gid++ {
						loc := ensureLoc(parityLoc[gid], b.ClusterID)
						loc.Nodes = append(loc.Nodes, proxyrpc.DataNode{IP: n.IP, Port: n.Port, BlockKey: b.Key})
					}
				}
				e.retireParity(p, b, &oldParityClusters, seenParityCluster)
			}
		}
		for _, cv := range st.Place2Clusters.ToArray() {
			t.Clusters[metadata.ClusterID(cv)].Stripes.Remove(uint32(sid))
		}
		merged.Place2Clusters.Or(st.Place2Clusters)
	}

	if len(lNodes) < l*s || len(gNodes) < g*s {
		return nil, nil, fmt.Errorf("merge: chunk of %d stripes is missing parity blocks", s)
	}

	// New parities land where the last source stripe kept its own:
	// per-group local parity on that group's last local-parity cluster
	// and node, globals on the last global-parity cluster and nodes.
	p.lMains = make([]proxyrpc.MainRecalPlan, l)
	p.lHelps = make([][]helperCall, l)
	newGlobals := make([]metadata.BlockID, 0, g)
	newLocals := make([]metadata.BlockID, 0, l)
	for i := 0; i < l; i++ {
		nid := lNodes[l*(s-1)+i]
		b := e.mintParity(merged, metadata.LocalBlockKey(newID, i), metadata.BlockLocal, i, merged.K+g+i, p.lClusters[i], nid, p.blockSize)
		newLocals = append(newLocals, b.ID)
		n := t.Nodes[nid]
		p.lMains[i].NewParities = append(p.lMains[i].NewParities, proxyrpc.DataNode{IP: n.IP, Port: n.Port, BlockKey: b.Key})
	}
	for i := 0; i < g; i++ {
		nid := gNodes[g*(s-1)+i]
		b := e.mintParity(merged, metadata.GlobalBlockKey(newID, i), metadata.BlockGlobal, l, merged.K+i, p.gCluster, nid, p.blockSize)
		newGlobals = append(newGlobals, b.ID)
		n := t.Nodes[nid]
		p.gMain.NewParities = append(p.gMain.NewParities, proxyrpc.DataNode{IP: n.IP, Port: n.Port, BlockKey: b.Key})
		if schema.EncodeType == ecschema.OptimalCauchyLRC {
			for gid := 0; gid < l; gid++ {
				loc := ensureLoc(parityLoc[gid], p.gCluster)
				loc.Nodes = append(loc.Nodes, proxyrpc.DataNode{IP: n.IP, Port: n.Port, BlockKey: b.Key})
			}
		}
	}
	merged.Blocks = append(merged.Blocks, newGlobals...)
	merged.Blocks = append(merged.Blocks, newLocals...)

	// Recompute plan assembly, clusters in ascending id order.
	p.gMain = e.fillMainPlan(p.gMain, true, -1, newID, p.blockSize, blockLoc)
	p.gHelps = e.buildHelpers(blockLoc, p.gCluster, g, p.blockSize)
	for i := 0; i < l; i++ {
		p.lMains[i] = e.fillMainPlan(p.lMains[i], false, i, newID, p.blockSize, parityLoc[i])
		p.lHelps[i] = e.buildHelpers(parityLoc[i], p.lClusters[i], 1, p.blockSize)
	}
	p.delClusters = oldParityClusters

	// Relocation planning: fault-tolerance first, then local-group
	// compactness. Either may fail to find a destination, which fails
	// the whole chunk.
	if err := e.planViolationMoves(merged, p); err != nil {
		return nil, nil, err
	}
	if err := e.planCompactnessMoves(merged, p); err != nil {
		return nil, nil, err
	}

	// Drop clusters the relocations drained entirely.
	for _, cv := range merged.Place2Clusters.ToArray() {
		cid := metadata.ClusterID(cv)
		if t.Clusters[cid].CountStripeBlocks(t.Arena, newID, -1) == 0 {
			merged.Place2Clusters.Remove(cv)
			t.Clusters[cid].Stripes.Remove(uint32(newID))
		}
	}

	for _, mv := range p.moves {
		from := t.Nodes[mv.from]
		to := t.Nodes[mv.to]
		p.relocPlan.Moves = append(p.relocPlan.Moves, proxyrpc.BlockMove{
			BlockKey: mv.key,
			FromIP:   from.IP, FromPort: from.Port,
			ToIP: to.IP, ToPort: to.Port,
		})
	}
	p.relocPlan.BlockSize = p.blockSize

	return p, merged, nil
}

// retireParity removes a superseded parity block from its cluster and
// node, frees it, and queues it for the batched delete.
func (e *Engine) retireParity(p *chunkPlan, b *metadata.Block, clusters *[]metadata.ClusterID, seen *roaring.Bitmap) {
	t := e.tables
	n := t.Nodes[b.NodeID]
	p.deletePlan.Nodes = append(p.deletePlan.Nodes, proxyrpc.DataNode{IP: n.IP, Port: n.Port, BlockKey: b.Key})
	if !seen.Contains(uint32(b.ClusterID)) {
		seen.Add(uint32(b.ClusterID))
		*clusters = append(*clusters, b.ClusterID)
	}
	t.Clusters[b.ClusterID].RemoveBlock(b.ID)
	n.RemoveStripeBlock(b.StripeID)
	t.Arena.Free(b.ID)
}

// mintParity allocates a new parity block for the merged stripe and
// registers it with its cluster and node.
func (e *Engine) mintParity(merged *metadata.Stripe, key string, bt metadata.BlockType, group, index int, cid metadata.ClusterID, nid metadata.NodeID, size int64) *metadata.Block {
	t := e.tables
	b := &metadata.Block{
		Key:        key,
		Type:       bt,
		Size:       size,
		StripeID:   merged.ID,
		Group:      group,
		BlockIndex: index,
		ClusterID:  cid,
		NodeID:     nid,
	}
	t.Arena.Alloc(b)
	t.Nodes[nid].AddStripeBlock(merged.ID)
	t.Clusters[cid].AddBlock(b.ID, merged.ID)
	merged.Place2Clusters.Add(uint32(cid))
	return b
}

// fillMainPlan completes a main-recompute plan with the schema fields
// and the per-cluster source locations in ascending cluster order.
func (e *Engine) fillMainPlan(plan proxyrpc.MainRecalPlan, global bool, groupID int, sid metadata.StripeID, blockSize int64, locs map[metadata.ClusterID]*proxyrpc.ClusterPlan) proxyrpc.MainRecalPlan {
	schema := e.tables.Schema
	plan.Global = global
	plan.GroupID = groupID
	plan.StripeID = int(sid)
	plan.BlockSize = blockSize
	plan.K = schema.K
	plan.G = schema.G
	plan.L = schema.L
	plan.PartialDecoding = schema.PartialDecoding
	for _, cid := range sortedClusterIDs(locs) {
		plan.Clusters = append(plan.Clusters, *locs[cid])
	}
	return plan
}

// buildHelpers produces one help plan per source cluster other than
// the main proxy's, each pointed at the main proxy's data port.
func (e *Engine) buildHelpers(locs map[metadata.ClusterID]*proxyrpc.ClusterPlan, main metadata.ClusterID, parityNum int, blockSize int64) []helperCall {
	t := e.tables
	schema := t.Schema
	mainCluster := t.Clusters[main]
	var helpers []helperCall
	for _, cid := range sortedClusterIDs(locs) {
		if cid == main {
			continue
		}
		helpers = append(helpers, helperCall{
			cluster: cid,
			plan: proxyrpc.HelpRecalPlan{
				MainProxyIP:     mainCluster.ProxyIP,
				MainProxyPort:   mainCluster.ProxyPort + 1,
				Nodes:           locs[cid].Nodes,
				BlockSize:       blockSize,
				ParityNum:       parityNum,
				PartialDecoding: schema.PartialDecoding,
			},
		})
	}
	return helpers
}

func sortedClusterIDs(m map[metadata.ClusterID]*proxyrpc.ClusterPlan) []metadata.ClusterID {
	ids := make([]metadata.ClusterID, 0, len(m))
	for cid := range m {
		ids = append(ids, cid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
