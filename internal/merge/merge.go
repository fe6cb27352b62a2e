// Package merge implements stripe merging: coalescing the stripes of
// each merge group, s at a time, into larger stripes with re-derived
// parity blocks, relocating as few data blocks as possible while
// keeping every cluster within the single-cluster fault-tolerance
// bound.
//
// A merge chunk is planned entirely against the metadata tables first
// (harvest, new parity hosts, relocation moves); only once planning
// has succeeded do the proxy RPCs go out (global recompute, per-group
// local recompute, old-parity deletion, block relocation). A chunk
// whose planning fails is rolled back wholesale from a state snapshot
// and the pass continues with the next chunk.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/ecrcoord/internal/ecschema"
	"github.com/dreamware/ecrcoord/internal/metadata"
	"github.com/dreamware/ecrcoord/internal/proxyrpc"
	"github.com/dreamware/ecrcoord/internal/randsrc"
)

var (
	// ErrPreconditionFailed reports a requestMerge whose step size does
	// not divide the stripe table (or merge groups), or contradicts the
	// first-stage arithmetic the code family requires.
	ErrPreconditionFailed = errors.New("merge: precondition failed")

	// ErrNoDestination reports a relocation that found no cluster able
	// to accept a block without breaking the fault-tolerance bound.
	// The offending chunk is rolled back rather than placed unsafely.
	ErrNoDestination = errors.New("merge: no relocation destination satisfies fault tolerance")
)

// Result carries one merge pass's outcome and its elapsed wall-times:
// local-parity recompute, global-parity recompute, and data
// relocation, in seconds.
type Result struct {
	LocalSeconds  float64
	GlobalSeconds float64
	DataSeconds   float64
	MergedStripes int
	FailedChunks  int
	Merged        bool
}

// Engine drives merge passes. A single mutex serializes whole passes;
// individual metadata phases take the shared tables lock, and proxy
// RPCs run with no lock held.
type Engine struct {
	tables  *metadata.Tables
	proxies map[metadata.ClusterID]proxyrpc.Client
	rng     *randsrc.Source
	log     *zap.Logger

	// NewBackoff builds the retry policy for each checkStep poll.
	// Tests swap in a tighter policy.
	NewBackoff func() backoff.BackOff

	// OnRPCFailure, when set, observes each failed proxy RPC by
	// operation name (wired to a counter by the server).
	OnRPCFailure func(op string)

	mu sync.Mutex
}

// New returns an Engine over the given tables and per-cluster proxy
// clients.
func New(t *metadata.Tables, proxies map[metadata.ClusterID]proxyrpc.Client, rng *randsrc.Source, log *zap.Logger) *Engine {
	return &Engine{
		tables:     t,
		proxies:    proxies,
		rng:        rng,
		log:        log,
		NewBackoff: proxyrpc.DefaultStepBackoff,
	}
}

// RequestMerge performs one merge pass: every merge group is consumed
// in chunks of step stripes, each chunk becoming one merged stripe.
// It returns ErrPreconditionFailed (with Merged=false) when the step
// size fails the arithmetic checks; chunks that fail individually are
// rolled back, counted in FailedChunks, and left un-merged in their
// group.
func (e *Engine) RequestMerge(ctx context.Context, step int) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.tables
	t.Lock()
	schema := t.Schema
	total := t.StripeCount()
	degree := t.MergeDegree
	groups := make([][]metadata.StripeID, len(t.MergeGroups))
	for i, g := range t.MergeGroups {
		groups[i] = append([]metadata.StripeID(nil), g.StripeIDs...)
	}
	t.Unlock()

	if err := checkPreconditions(schema, step, total, degree, groups); err != nil {
		return Result{}, err
	}

	var res Result
	start := time.Now()
	newGroups := make([]metadata.MergeGroup, 0, len(groups))
	processed := 0
	for _, group := range groups {
		merged := metadata.MergeGroup{}
		for i := 0; i+step <= len(group); i += step {
			chunk := group[i : i+step]
			newID, err := e.mergeChunk(ctx, chunk, &res)
			if err != nil {
				e.log.Error("merge chunk failed",
					zap.Ints("stripes", stripeInts(chunk)),
					zap.Error(err))
				res.FailedChunks++
				merged.StripeIDs = append(merged.StripeIDs, chunk...)
				continue
			}
			res.MergedStripes++
			merged.StripeIDs = append(merged.StripeIDs, newID)
			processed += step
			e.log.Info("merge chunk done",
				zap.Int("stage", degree+1),
				zap.Int("processed", processed),
				zap.Int("total", total),
				zap.Float64("lc", res.LocalSeconds),
				zap.Float64("gc", res.GlobalSeconds),
				zap.Float64("dc", res.DataSeconds))
		}
		newGroups = append(newGroups, merged)
	}

	t.Lock()
	// Stripes placed while the pass ran live in groups appended after
	// our snapshot; keep them.
	if extra := len(t.MergeGroups) - len(groups); extra > 0 {
		newGroups = append(newGroups, t.MergeGroups[len(groups):]...)
	}
	t.MergeGroups = newGroups
	t.MergeDegree++
	t.Unlock()

	res.Merged = res.FailedChunks == 0
	e.log.Info("merge pass complete",
		zap.Int("stage", degree+1),
		zap.Int("merged_stripes", res.MergedStripes),
		zap.Int("failed_chunks", res.FailedChunks),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// checkPreconditions validates the step size against the stripe table
// and the code family's first-stage arithmetic: with b mod (g+1)
// neither 0 nor g, the first merge stage must use exactly
// s = g / (b mod (g+1)); later stages only need the modulus checks.
func checkPreconditions(schema ecschema.Schema, step, total, degree int, groups [][]metadata.StripeID) error {
	if step < 1 {
		return fmt.Errorf("%w: step %d must be positive", ErrPreconditionFailed, step)
	}
	if total%step != 0 {
		return fmt.Errorf("%w: %d stripes not divisible by step %d", ErrPreconditionFailed, total, step)
	}
	m := schema.BMod()
	if degree == 0 && m != 0 && m != schema.G && step != schema.G/m {
		return fmt.Errorf("%w: first-stage step must be g/(b mod (g+1)) = %d, got %d",
			ErrPreconditionFailed, schema.G/m, step)
	}
	mp := schema.MultiStripePlacement
	if (mp == ecschema.DIS || mp == ecschema.OPT) && len(groups) > 0 {
		if n := len(groups[0]); n%step != 0 {
			return fmt.Errorf("%w: merge group of %d stripes not divisible by step %d",
				ErrPreconditionFailed, n, step)
		}
	}
	return nil
}

func stripeInts(ids []metadata.StripeID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

// mergeChunk coalesces one chunk of source stripes into a fresh merged
// stripe. Metadata planning runs first under the tables lock (with a
// snapshot for rollback); proxy RPCs follow with no lock held; the
// stripe table swap happens last.
func (e *Engine) mergeChunk(ctx context.Context, chunk []metadata.StripeID, res *Result) (metadata.StripeID, error) {
	t := e.tables

	t.Lock()
	snap := t.CloneState()
	plan, merged, err := e.planChunk(chunk)
	if err != nil {
		t.RestoreState(snap)
		t.Unlock()
		return 0, err
	}
	t.Unlock()

	e.log.Info("merging stripes",
		zap.Ints("sources", stripeInts(chunk)),
		zap.Int("merged_stripe", int(merged.ID)),
		zap.String("block_size", datasize.ByteSize(plan.blockSize).HumanReadable()),
		zap.Int("relocations", len(plan.moves)))

	e.recomputeGlobal(ctx, plan, res)
	e.recomputeLocals(ctx, plan, res)
	e.deleteOldParities(ctx, plan)
	e.relocateBlocks(ctx, plan, res)

	t.Lock()
	for _, sid := range chunk {
		t.DeleteStripe(sid)
	}
	t.PutStripe(merged)
	for _, obj := range merged.Objects {
		if st, ok := t.ObjectCommit[obj.Key]; ok {
			st.StripeID = merged.ID
			t.ObjectCommit[obj.Key] = st
		}
	}
	t.Unlock()
	return merged.ID, nil
}

// rpcFailed logs a proxy RPC failure and feeds the observer. Merge
// does not retry internally and performs no rollback for downstream
// failures; the pass simply reports what it managed to do.
func (e *Engine) rpcFailed(op string, cid metadata.ClusterID, err error) {
	e.log.Warn("proxy rpc failed",
		zap.String("op", op),
		zap.Int("cluster", int(cid)),
		zap.Error(err))
	if e.OnRPCFailure != nil {
		e.OnRPCFailure(op)
	}
}

// recomputeGlobal fans out the global-parity recompute: the main plan
// to the target cluster's proxy, one help plan per other cluster
// holding source data, all concurrently, then polls checkStep until
// the main proxy reports completion.
func (e *Engine) recomputeGlobal(ctx context.Context, p *chunkPlan, res *Result) {
	start := time.Now()
	var failures atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(p.gHelps) + 1)
	g.Go(func() error {
		if err := e.proxies[p.gCluster].MainRecal(gctx, p.gMain); err != nil {
			e.rpcFailed("mainRecal", p.gCluster, err)
			failures.Add(1)
		}
		return nil
	})
	for _, h := range p.gHelps {
		h := h
		g.Go(func() error {
			if err := e.proxies[h.cluster].HelpRecal(gctx, h.plan); err != nil {
				e.rpcFailed("helpRecal", h.cluster, err)
				failures.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if failures.Load() == 0 {
		if err := proxyrpc.PollStep(ctx, e.proxies[p.gCluster], proxyrpc.StepGlobalRecal, e.NewBackoff()); err != nil {
			e.rpcFailed("checkStep", p.gCluster, err)
		}
	}
	res.GlobalSeconds += time.Since(start).Seconds()
}

// recomputeLocals recomputes each local group's parity in turn, each
// with its own main/help fan-out and checkStep poll.
func (e *Engine) recomputeLocals(ctx context.Context, p *chunkPlan, res *Result) {
	start := time.Now()
	for i := range p.lMains {
		var failures atomic.Int32
		main := p.lClusters[i]
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(len(p.lHelps[i]) + 1)
		i := i
		g.Go(func() error {
			if err := e.proxies[main].MainRecal(gctx, p.lMains[i]); err != nil {
				e.rpcFailed("mainRecal", main, err)
				failures.Add(1)
			}
			return nil
		})
		for _, h := range p.lHelps[i] {
			h := h
			g.Go(func() error {
				if err := e.proxies[h.cluster].HelpRecal(gctx, h.plan); err != nil {
					e.rpcFailed("helpRecal", h.cluster, err)
					failures.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
		if failures.Load() == 0 {
			if err := proxyrpc.PollStep(ctx, e.proxies[main], proxyrpc.StepLocalRecal, e.NewBackoff()); err != nil {
				e.rpcFailed("checkStep", main, err)
			}
		}
	}
	res.LocalSeconds += time.Since(start).Seconds()
}

// deleteOldParities batches every superseded local and global parity
// into one deleteBlock call against a randomly chosen proxy among the
// clusters that held them.
func (e *Engine) deleteOldParities(ctx context.Context, p *chunkPlan) {
	if len(p.deletePlan.Nodes) == 0 || len(p.delClusters) == 0 {
		return
	}
	cid := p.delClusters[e.rng.IntN(len(p.delClusters))]
	committed, err := e.proxies[cid].DeleteBlock(ctx, p.deletePlan)
	if err != nil {
		e.rpcFailed("deleteBlock", cid, err)
		return
	}
	if committed {
		e.log.Debug("old parity blocks deleted",
			zap.Int("merged_stripe", int(p.newID)),
			zap.Int("count", len(p.deletePlan.Nodes)))
	}
}

// relocateBlocks ships the chunk's full move list to one randomly
// chosen proxy and polls checkStep. The elapsed wall-time is halved —
// the relocation path is src node → proxy → dst node, twice the bytes
// of a direct move — and billed to the local/data buckets by each
// kind's share of the move list.
func (e *Engine) relocateBlocks(ctx context.Context, p *chunkPlan, res *Result) {
	totalMoves := p.movedViolation + p.movedCompact
	if totalMoves == 0 {
		return
	}
	start := time.Now()
	cid := metadata.ClusterID(e.rng.IntN(len(e.proxies)))
	if err := e.proxies[cid].BlockReloc(ctx, p.relocPlan); err != nil {
		e.rpcFailed("blockReloc", cid, err)
	} else if err := proxyrpc.PollStep(ctx, e.proxies[cid], proxyrpc.StepReloc, e.NewBackoff()); err != nil {
		e.rpcFailed("checkStep", cid, err)
	}
	elapsed := time.Since(start).Seconds() / 2
	res.LocalSeconds += elapsed * float64(p.movedCompact) / float64(totalMoves)
	res.DataSeconds += elapsed * float64(p.movedViolation) / float64(totalMoves)
}
