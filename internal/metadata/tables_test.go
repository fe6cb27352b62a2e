package metadata

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ecrcoord/internal/ecschema"
)

// testTopology builds n clusters of m nodes each, with dense ids, the
// way the topology loader would.
func testTopology(n, m int) (map[ClusterID]*Cluster, map[NodeID]*Node) {
	clusters := make(map[ClusterID]*Cluster, n)
	nodes := make(map[NodeID]*Node)
	var nid NodeID
	for c := 0; c < n; c++ {
		cid := ClusterID(c)
		cluster := NewCluster(cid, "10.0.0.1", 7000+c)
		for i := 0; i < m; i++ {
			node := NewNode(nid, cid, "10.0.1.1", 9000+int(nid))
			nodes[nid] = node
			cluster.Nodes = append(cluster.Nodes, nid)
			nid++
		}
		clusters[cid] = cluster
	}
	return clusters, nodes
}

func testSchema() ecschema.Schema {
	return ecschema.Schema{
		EncodeType:           ecschema.AzureLRC,
		MultiStripePlacement: ecschema.DIS,
		K:                    8, G: 2, L: 2, B: 4, X: 2,
	}
}

func TestBlockArena(t *testing.T) {
	a := NewBlockArena()
	b1 := &Block{Key: "k1", Type: BlockData}
	b2 := &Block{Key: "k2", Type: BlockLocal}
	id1 := a.Alloc(b1)
	id2 := a.Alloc(b2)

	assert.NotEqual(t, id1, id2)
	assert.Same(t, b1, a.Get(id1))
	assert.Same(t, b2, a.Get(id2))
	assert.Equal(t, 2, a.Len())

	a.Free(id1)
	assert.Nil(t, a.Get(id1))
	assert.Equal(t, 1, a.Len())

	// Freed ids are never reissued.
	id3 := a.Alloc(&Block{Key: "k3"})
	assert.Greater(t, int(id3), int(id2))
}

func TestBlockKeys(t *testing.T) {
	assert.Equal(t, "obj1_D03", DataBlockKey("obj1", 3))
	assert.Equal(t, "obj1_D11", DataBlockKey("obj1", 11))
	assert.Equal(t, "Stripe7_L1", LocalBlockKey(7, 1))
	assert.Equal(t, "Stripe7_G0", GlobalBlockKey(7, 0))
}

func TestStripeTableOrdering(t *testing.T) {
	clusters, nodes := testTopology(3, 2)
	tbl := NewTables(clusters, nodes)
	tbl.Lock()
	defer tbl.Unlock()

	for _, id := range []StripeID{4, 1, 3} {
		tbl.PutStripe(&Stripe{ID: id, Place2Clusters: roaring.New()})
	}
	assert.Equal(t, []StripeID{1, 3, 4}, tbl.ListStripeIDs())
	assert.Equal(t, 3, tbl.StripeCount())

	tbl.DeleteStripe(3)
	assert.Equal(t, []StripeID{1, 4}, tbl.ListStripeIDs())
	assert.Nil(t, tbl.GetStripe(3))
	require.NotNil(t, tbl.GetStripe(4))
}

func TestNextStripeIDNeverRecycles(t *testing.T) {
	tbl := NewTables(testTopology(1, 1))
	tbl.Lock()
	a := tbl.NextStripeID()
	b := tbl.NextStripeID()
	tbl.Unlock()
	assert.Equal(t, a+1, b)
}

func TestSetParameterResetsEverything(t *testing.T) {
	clusters, nodes := testTopology(3, 2)
	tbl := NewTables(clusters, nodes)
	tbl.SetParameter(testSchema())

	tbl.Lock()
	sid := tbl.NextStripeID()
	s := &Stripe{ID: sid, K: 8, G: 2, L: 2, Place2Clusters: roaring.New()}
	b := &Block{Key: "obj1_D00", Type: BlockData, StripeID: sid, ClusterID: 0, NodeID: 0}
	tbl.Arena.Alloc(b)
	s.Blocks = append(s.Blocks, b.ID)
	tbl.PutStripe(s)
	clusters[0].AddBlock(b.ID, sid)
	nodes[0].AddStripeBlock(sid)
	tbl.ObjectUpdating["obj1"] = ObjectState{Key: "obj1", StripeID: sid}
	tbl.MergeGroups = append(tbl.MergeGroups, MergeGroup{StripeIDs: []StripeID{sid}})
	tbl.MergeDegree = 1
	tbl.Unlock()

	tbl.SetParameter(testSchema())

	tbl.Lock()
	defer tbl.Unlock()
	assert.Zero(t, tbl.StripeCount())
	assert.Zero(t, tbl.Arena.Len())
	assert.Empty(t, tbl.ObjectUpdating)
	assert.Empty(t, tbl.ObjectCommit)
	assert.Empty(t, tbl.MergeGroups)
	assert.Zero(t, tbl.MergeDegree)
	assert.Empty(t, clusters[0].Blocks)
	assert.True(t, clusters[0].Stripes.IsEmpty())
	assert.Empty(t, nodes[0].StripeBlockCount)
	// Topology itself survives.
	assert.Len(t, tbl.Clusters, 3)
	assert.Len(t, tbl.Nodes, 6)
	// Stripe ids keep counting across a reset; none is reused.
	assert.Equal(t, sid+1, tbl.NextStripeID())
}

func TestCloneAndRestoreState(t *testing.T) {
	clusters, nodes := testTopology(2, 2)
	tbl := NewTables(clusters, nodes)
	tbl.SetParameter(testSchema())

	tbl.Lock()
	sid := tbl.NextStripeID()
	s := &Stripe{ID: sid, K: 1, Place2Clusters: roaring.New()}
	b := &Block{Key: "obj1_D00", Type: BlockData, StripeID: sid, ClusterID: 1, NodeID: 2}
	tbl.Arena.Alloc(b)
	s.Blocks = append(s.Blocks, b.ID)
	s.Place2Clusters.Add(1)
	tbl.PutStripe(s)
	clusters[1].AddBlock(b.ID, sid)
	nodes[2].AddStripeBlock(sid)

	snap := tbl.CloneState()

	// Mutate heavily, then restore.
	clusters[1].RemoveBlock(b.ID)
	nodes[2].RemoveStripeBlock(sid)
	tbl.Arena.Free(b.ID)
	tbl.DeleteStripe(sid)
	tbl.NextStripeID()

	tbl.RestoreState(snap)
	restored := tbl.GetStripe(sid)
	require.NotNil(t, restored)
	require.Len(t, restored.Blocks, 1)
	rb := tbl.Arena.Get(restored.Blocks[0])
	require.NotNil(t, rb)
	assert.Equal(t, "obj1_D00", rb.Key)
	assert.Contains(t, clusters[1].Blocks, rb.ID)
	assert.Equal(t, 1, nodes[2].StripeBlockCount[sid])
	assert.Equal(t, sid+1, tbl.NextStripeID())
	tbl.Unlock()
}

func TestClusterHelpers(t *testing.T) {
	clusters, nodes := testTopology(1, 3)
	tbl := NewTables(clusters, nodes)
	c := clusters[0]

	mk := func(key string, bt BlockType, group int, sid StripeID, nid NodeID) *Block {
		b := &Block{Key: key, Type: bt, Group: group, StripeID: sid, ClusterID: 0, NodeID: nid}
		tbl.Arena.Alloc(b)
		c.AddBlock(b.ID, sid)
		nodes[nid].AddStripeBlock(sid)
		return b
	}
	d0 := mk("a_D00", BlockData, 0, 5, 0)
	mk("a_D01", BlockData, 0, 5, 1)
	mk("Stripe5_G0", BlockGlobal, 2, 5, 2)

	assert.Equal(t, 3, c.CountStripeBlocks(tbl.Arena, 5, -1))
	assert.Equal(t, 2, c.CountStripeBlocks(tbl.Arena, 5, 0))
	assert.Equal(t, 1, c.CountStripeBlocks(tbl.Arena, 5, 2))
	assert.True(t, c.HasBlockType(tbl.Arena, 5, true, BlockGlobal))
	assert.False(t, c.HasBlockType(tbl.Arena, 5, true, BlockLocal))
	assert.True(t, nodes[0].HoldsStripe(5))

	c.RemoveBlock(d0.ID)
	tbl.Arena.Free(d0.ID)
	c.RefreshStripeResidency(tbl.Arena, 5)
	assert.True(t, c.Stripes.Contains(5))
}
