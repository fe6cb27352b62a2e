package merge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/ecrcoord/internal/ecschema"
	"github.com/dreamware/ecrcoord/internal/metadata"
	"github.com/dreamware/ecrcoord/internal/placement"
	"github.com/dreamware/ecrcoord/internal/proxyrpc"
	"github.com/dreamware/ecrcoord/internal/randsrc"
)

// fakeProxy records every RPC it receives and reports every checkStep
// as complete.
type fakeProxy struct {
	mu      sync.Mutex
	mains   []proxyrpc.MainRecalPlan
	helps   []proxyrpc.HelpRecalPlan
	deletes []proxyrpc.DeletePlan
	relocs  []proxyrpc.RelocPlan
}

func (f *fakeProxy) CheckAlive(context.Context, string) (string, error) { return "ok", nil }
func (f *fakeProxy) EncodeAndSet(context.Context, proxyrpc.EncodePlan) error {
	return nil
}
func (f *fakeProxy) DecodeAndGet(context.Context, proxyrpc.DecodePlan) error {
	return nil
}
func (f *fakeProxy) DeleteBlock(_ context.Context, plan proxyrpc.DeletePlan) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, plan)
	return true, nil
}
func (f *fakeProxy) MainRecal(_ context.Context, plan proxyrpc.MainRecalPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mains = append(f.mains, plan)
	return nil
}
func (f *fakeProxy) HelpRecal(_ context.Context, plan proxyrpc.HelpRecalPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.helps = append(f.helps, plan)
	return nil
}
func (f *fakeProxy) BlockReloc(_ context.Context, plan proxyrpc.RelocPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relocs = append(f.relocs, plan)
	return nil
}
func (f *fakeProxy) CheckStep(context.Context, proxyrpc.Step) (bool, error) { return true, nil }

type fixture struct {
	tables  *metadata.Tables
	engine  *Engine
	placer  *placement.Engine
	proxies map[metadata.ClusterID]proxyrpc.Client
	fakes   map[metadata.ClusterID]*fakeProxy
}

func newFixture(t *testing.T, schema ecschema.Schema, nClusters, nodesPer int, seed uint64) *fixture {
	t.Helper()
	require.NoError(t, schema.Validate())
	clusters := make(map[metadata.ClusterID]*metadata.Cluster, nClusters)
	nodes := make(map[metadata.NodeID]*metadata.Node)
	proxies := make(map[metadata.ClusterID]proxyrpc.Client, nClusters)
	fakes := make(map[metadata.ClusterID]*fakeProxy, nClusters)
	var nid metadata.NodeID
	for c := 0; c < nClusters; c++ {
		cid := metadata.ClusterID(c)
		cluster := metadata.NewCluster(cid, "10.0.0.1", 7000+c)
		for i := 0; i < nodesPer; i++ {
			nodes[nid] = metadata.NewNode(nid, cid, "10.0.1.1", 9000+int(nid))
			cluster.Nodes = append(cluster.Nodes, nid)
			nid++
		}
		clusters[cid] = cluster
		fp := &fakeProxy{}
		fakes[cid] = fp
		proxies[cid] = fp
	}
	tbl := metadata.NewTables(clusters, nodes)
	tbl.SetParameter(schema)

	rng := randsrc.New(seed)
	eng := New(tbl, proxies, rng, zap.NewNop())
	eng.NewBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 4)
	}
	return &fixture{
		tables:  tbl,
		engine:  eng,
		placer:  placement.New(tbl, rng),
		proxies: proxies,
		fakes:   fakes,
	}
}

// setObject places and commits one object, the way a full SET with a
// successful proxy report would.
func (f *fixture) setObject(t *testing.T, key string, size int64) metadata.StripeID {
	t.Helper()
	tbl := f.tables
	tbl.Lock()
	defer tbl.Unlock()
	schema := tbl.Schema
	sid := tbl.NextStripeID()
	s := &metadata.Stripe{
		ID: sid, K: schema.K, G: schema.G, L: schema.L,
		Objects:        []metadata.ObjectRef{{Key: key, Size: size}},
		Place2Clusters: roaring.New(),
	}
	tbl.PutStripe(s)
	blockSize := (size + int64(schema.K) - 1) / int64(schema.K)
	_, err := f.placer.Place(s, key, blockSize)
	require.NoError(t, err)
	tbl.ObjectCommit[key] = metadata.ObjectState{Key: key, Size: size, StripeID: sid}
	return sid
}

func schemaDIS() ecschema.Schema {
	return ecschema.Schema{
		EncodeType:           ecschema.AzureLRC,
		MultiStripePlacement: ecschema.DIS,
		K:                    8, G: 2, L: 2, B: 4, X: 2,
	}
}

// checkInvariants asserts residency agreement and the single-cluster
// fault-tolerance bound for every stripe in the table.
func checkInvariants(t *testing.T, tbl *metadata.Tables) {
	t.Helper()
	tbl.Lock()
	defer tbl.Unlock()

	blockTotal := 0
	for _, sid := range tbl.ListStripeIDs() {
		s := tbl.GetStripe(sid)
		blockTotal += len(s.Blocks)
		perCluster := map[metadata.ClusterID][]*metadata.Block{}
		for _, bid := range s.Blocks {
			b := tbl.Arena.Get(bid)
			require.NotNil(t, b, "stripe %d references freed block", sid)
			assert.Equal(t, sid, b.StripeID)
			assert.Contains(t, tbl.Clusters[b.ClusterID].Blocks, bid)
			assert.Greater(t, tbl.Nodes[b.NodeID].StripeBlockCount[sid], 0)
			perCluster[b.ClusterID] = append(perCluster[b.ClusterID], b)
		}
		holders := roaring.New()
		for cid, blocks := range perCluster {
			holders.Add(uint32(cid))
			assert.LessOrEqual(t, len(blocks), s.G+1, "stripe %d cluster %d", sid, cid)
			hasData := false
			groups := map[int]bool{}
			for _, b := range blocks {
				if b.Type == metadata.BlockData {
					hasData = true
				}
				if b.Type != metadata.BlockGlobal {
					groups[b.Group] = true
				}
			}
			if hasData {
				assert.LessOrEqual(t, len(groups), 1, "stripe %d cluster %d mixes groups", sid, cid)
			}
		}
		assert.True(t, holders.Equals(s.Place2Clusters), "stripe %d place2clusters", sid)
	}
	assert.Equal(t, blockTotal, tbl.Arena.Len(), "arena leaks or loses blocks")

	// Node bookkeeping agrees with the arena.
	perNode := map[metadata.NodeID]map[metadata.StripeID]int{}
	for _, sid := range tbl.ListStripeIDs() {
		for _, bid := range tbl.GetStripe(sid).Blocks {
			b := tbl.Arena.Get(bid)
			if perNode[b.NodeID] == nil {
				perNode[b.NodeID] = map[metadata.StripeID]int{}
			}
			perNode[b.NodeID][b.StripeID]++
		}
	}
	for nid, n := range tbl.Nodes {
		assert.Equal(t, len(perNode[nid]), len(n.StripeBlockCount), "node %d stripe map", nid)
		for sid, cnt := range n.StripeBlockCount {
			assert.Equal(t, perNode[nid][sid], cnt, "node %d stripe %d", nid, sid)
		}
	}
}

func TestRequestMergeTwoStripes(t *testing.T) {
	f := newFixture(t, schemaDIS(), 10, 5, 21)
	f.setObject(t, "obj1", 4096)
	f.setObject(t, "obj2", 4096)

	res, err := f.engine.RequestMerge(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Equal(t, 1, res.MergedStripes)
	assert.Zero(t, res.FailedChunks)

	tbl := f.tables
	tbl.Lock()
	ids := tbl.ListStripeIDs()
	require.Equal(t, []metadata.StripeID{2}, ids)
	merged := tbl.GetStripe(2)
	assert.Equal(t, 16, merged.K)
	assert.Equal(t, 2, merged.G)
	assert.Equal(t, 2, merged.L)
	require.Len(t, merged.Blocks, 20)

	// Data region renumbered 0..15 in source order; parities carry the
	// merged stripe's keys.
	for i, bid := range merged.DataBlocks() {
		b := tbl.Arena.Get(bid)
		assert.Equal(t, metadata.BlockData, b.Type)
		assert.Equal(t, i, b.BlockIndex)
	}
	for i, bid := range merged.GlobalBlocks() {
		b := tbl.Arena.Get(bid)
		assert.Equal(t, fmt.Sprintf("Stripe2_G%d", i), b.Key)
	}
	for i, bid := range merged.LocalBlocks() {
		b := tbl.Arena.Get(bid)
		assert.Equal(t, fmt.Sprintf("Stripe2_L%d", i), b.Key)
		assert.Equal(t, i, b.Group)
	}

	assert.Equal(t, []metadata.ObjectRef{{Key: "obj1", Size: 4096}, {Key: "obj2", Size: 4096}}, merged.Objects)
	assert.Equal(t, metadata.StripeID(2), tbl.ObjectCommit["obj1"].StripeID)
	assert.Equal(t, metadata.StripeID(2), tbl.ObjectCommit["obj2"].StripeID)

	require.Len(t, tbl.MergeGroups, 1)
	assert.Equal(t, []metadata.StripeID{2}, tbl.MergeGroups[0].StripeIDs)
	assert.Equal(t, 1, tbl.MergeDegree)
	tbl.Unlock()

	checkInvariants(t, tbl)

	// One global main plan, one local main plan per group, and one
	// delete batch covering all 8 superseded parities.
	var mains []proxyrpc.MainRecalPlan
	var deletes []proxyrpc.DeletePlan
	for _, fp := range f.fakes {
		fp.mu.Lock()
		mains = append(mains, fp.mains...)
		deletes = append(deletes, fp.deletes...)
		fp.mu.Unlock()
	}
	globalMains := 0
	for _, m := range mains {
		if m.Global {
			globalMains++
			assert.Len(t, m.NewParities, 2)
		} else {
			assert.Len(t, m.NewParities, 1)
		}
	}
	assert.Equal(t, 1, globalMains)
	assert.Len(t, mains, 3)
	require.Len(t, deletes, 1)
	assert.Equal(t, -1, deletes[0].StripeID)
	assert.Len(t, deletes[0].Nodes, 8)
}

func TestRequestMergeWrongStep(t *testing.T) {
	f := newFixture(t, schemaDIS(), 10, 5, 33)
	for i := 0; i < 4; i++ {
		f.setObject(t, fmt.Sprintf("obj%d", i), 4096)
	}

	// 4 stripes are not divisible by 3.
	_, err := f.engine.RequestMerge(context.Background(), 3)
	require.ErrorIs(t, err, ErrPreconditionFailed)

	// No side effects: stripe table, merge groups, and degree are
	// untouched.
	tbl := f.tables
	tbl.Lock()
	assert.Equal(t, 4, tbl.StripeCount())
	assert.Len(t, tbl.MergeGroups, 2)
	assert.Zero(t, tbl.MergeDegree)
	tbl.Unlock()
	checkInvariants(t, tbl)
}

func TestRequestMergeFirstStageStepArithmetic(t *testing.T) {
	// b mod (g+1) = 1, so the first stage must merge exactly
	// g / 1 = 2 stripes at a time.
	f := newFixture(t, schemaDIS(), 10, 5, 8)
	f.setObject(t, "obj1", 4096)

	_, err := f.engine.RequestMerge(context.Background(), 1)
	require.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestRequestMergeRepeatedIsSafe(t *testing.T) {
	f := newFixture(t, schemaDIS(), 10, 5, 55)
	f.setObject(t, "obj1", 4096)
	f.setObject(t, "obj2", 4096)

	res, err := f.engine.RequestMerge(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, res.Merged)

	// A second pass with the same step cannot divide the single
	// remaining stripe; no data block is lost.
	_, err = f.engine.RequestMerge(context.Background(), 2)
	require.ErrorIs(t, err, ErrPreconditionFailed)

	tbl := f.tables
	tbl.Lock()
	merged := tbl.GetStripe(2)
	require.NotNil(t, merged)
	assert.Len(t, merged.DataBlocks(), 16)
	tbl.Unlock()
	checkInvariants(t, tbl)
}

func TestRequestMergeFourIntoTwo(t *testing.T) {
	f := newFixture(t, schemaDIS(), 10, 5, 77)
	for i := 0; i < 4; i++ {
		f.setObject(t, fmt.Sprintf("obj%d", i), 4096)
	}

	res, err := f.engine.RequestMerge(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Equal(t, 2, res.MergedStripes)

	tbl := f.tables
	tbl.Lock()
	assert.Equal(t, 2, tbl.StripeCount())
	require.Len(t, tbl.MergeGroups, 2)
	for _, g := range tbl.MergeGroups {
		assert.Len(t, g.StripeIDs, 1)
	}
	assert.Equal(t, 1, tbl.MergeDegree)
	tbl.Unlock()
	checkInvariants(t, tbl)
}

func TestRequestMergeOptimalCauchyFeedsGlobalsToLocalPlans(t *testing.T) {
	schema := schemaDIS()
	schema.EncodeType = ecschema.OptimalCauchyLRC
	f := newFixture(t, schema, 10, 5, 13)
	f.setObject(t, "obj1", 4096)
	f.setObject(t, "obj2", 4096)

	res, err := f.engine.RequestMerge(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, res.Merged)

	// Each local main plan must list the old global parities (and the
	// new ones) among its sources so the proxy can derive the local
	// parity without a data readback.
	for _, fp := range f.fakes {
		fp.mu.Lock()
		for _, m := range fp.mains {
			if m.Global {
				continue
			}
			var keys []string
			for _, c := range m.Clusters {
				for _, n := range c.Nodes {
					keys = append(keys, n.BlockKey)
				}
			}
			assert.Contains(t, keys, "Stripe0_G0")
			assert.Contains(t, keys, "Stripe1_G1")
			assert.Contains(t, keys, "Stripe2_G0")
		}
		fp.mu.Unlock()
	}
	checkInvariants(t, f.tables)
}

func TestMergeDegreeRelaxesStepCheck(t *testing.T) {
	f := newFixture(t, schemaDIS(), 10, 5, 91)
	f.setObject(t, "obj1", 4096)
	f.setObject(t, "obj2", 4096)

	res, err := f.engine.RequestMerge(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, res.Merged)

	// After the first stage, only the divisibility checks apply; a
	// single merged stripe with step 1 passes them trivially and
	// merges again into a renumbered stripe.
	res, err = f.engine.RequestMerge(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.Merged)
	checkInvariants(t, f.tables)
}
