package metadata

import (
	"context"
)

// Op names the three operations that flow through the commit/abort
// contract.
type Op int

const (
	OpSet Op = iota
	OpDeleteKey
	OpDeleteStripe
)

// ReportCommitAbort applies the outcome of a proxy's callback for one
// in-flight operation. When committed is true, the relevant metadata
// moves from its "updating" table into durable, visible state (or, for
// deletes, is purged); when false, only the updating-side entry is
// dropped and no other state changes. Every path broadcasts Cond so
// CheckCommitAbort waiters re-evaluate their predicate.
func (t *Tables) ReportCommitAbort(key string, op Op, stripeID StripeID, committed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.cond.Broadcast()

	if !committed {
		switch op {
		case OpSet, OpDeleteKey:
			delete(t.ObjectUpdating, key)
		case OpDeleteStripe:
			t.StripeDeleting.Remove(uint32(stripeID))
		}
		return
	}

	switch op {
	case OpSet:
		obj, ok := t.ObjectUpdating[key]
		if ok {
			delete(t.ObjectUpdating, key)
			t.ObjectCommit[key] = obj
		}
	case OpDeleteKey:
		t.commitDeleteKey(key)
	case OpDeleteStripe:
		t.commitDeleteStripe(stripeID)
	}
}

// commitDeleteKey removes every block belonging to key from its
// owning stripe and from every cluster/node that holds one, dropping
// the stripe entirely once no data block remains.
func (t *Tables) commitDeleteKey(key string) {
	obj, ok := t.ObjectCommit[key]
	if !ok {
		delete(t.ObjectUpdating, key)
		return
	}
	stripe := t.GetStripe(obj.StripeID)
	if stripe != nil {
		kept := stripe.Blocks[:0]
		dataLeft := 0
		for _, id := range stripe.Blocks {
			b := t.Arena.Get(id)
			if b != nil && b.Type == BlockData && b.ObjectKey == key {
				t.unlinkBlock(id)
				continue
			}
			if b != nil && b.Type == BlockData {
				dataLeft++
			}
			kept = append(kept, id)
		}
		stripe.Blocks = kept
		// A stripe whose last data block is gone is dead weight: its
		// parities protect nothing, so they go too.
		if dataLeft == 0 {
			for _, id := range stripe.Blocks {
				t.unlinkBlock(id)
			}
			stripe.Blocks = nil
			t.DeleteStripe(stripe.ID)
		}
	}
	delete(t.ObjectUpdating, key)
	delete(t.ObjectCommit, key)
}

// commitDeleteStripe removes a stripe id from the deleting table,
// purges every block of the stripe, drops the stripe, and purges
// every committed object that pointed at it.
func (t *Tables) commitDeleteStripe(stripeID StripeID) {
	t.StripeDeleting.Remove(uint32(stripeID))
	stripe := t.GetStripe(stripeID)
	if stripe != nil {
		for _, id := range stripe.Blocks {
			t.unlinkBlock(id)
		}
		t.DeleteStripe(stripeID)
	}
	for key, obj := range t.ObjectCommit {
		if obj.StripeID == stripeID {
			delete(t.ObjectCommit, key)
		}
	}
}

// unlinkBlock removes a block from its cluster and node and frees it
// from the arena. Callers must hold the lock and have already
// removed the id from whatever stripe container referenced it.
func (t *Tables) unlinkBlock(id BlockID) {
	b := t.Arena.Get(id)
	if b == nil {
		return
	}
	if c := t.Clusters[b.ClusterID]; c != nil {
		c.RemoveBlock(id)
		c.RefreshStripeResidency(t.Arena, b.StripeID)
	}
	if n := t.Nodes[b.NodeID]; n != nil {
		n.RemoveStripeBlock(b.StripeID)
	}
	t.Arena.Free(id)
}

// CheckCommitAbort blocks until the outcome of op on key/stripeID is
// observable in the commit tables, or ctx is canceled. There is no
// client-visible timeout; cancellation exists only so server shutdown
// and dropped connections can reclaim parked waiters.
func (t *Tables) CheckCommitAbort(ctx context.Context, key string, op Op, stripeID StripeID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.commitAbortResolved(key, op, stripeID) {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				t.mu.Lock()
				t.cond.Broadcast()
				t.mu.Unlock()
			case <-done:
			}
		}()
		t.cond.Wait()
		close(done)
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	return t.commitAbortOutcome(key, op, stripeID), nil
}

func (t *Tables) commitAbortResolved(key string, op Op, stripeID StripeID) bool {
	switch op {
	case OpSet:
		_, inCommit := t.ObjectCommit[key]
		_, inUpdating := t.ObjectUpdating[key]
		return inCommit || !inUpdating
	case OpDeleteKey:
		_, inCommit := t.ObjectCommit[key]
		_, inUpdating := t.ObjectUpdating[key]
		return !inCommit || !inUpdating
	case OpDeleteStripe:
		return !t.StripeDeleting.Contains(uint32(stripeID))
	default:
		return true
	}
}

func (t *Tables) commitAbortOutcome(key string, op Op, stripeID StripeID) bool {
	switch op {
	case OpSet:
		_, committed := t.ObjectCommit[key]
		return committed
	case OpDeleteKey:
		_, stillCommitted := t.ObjectCommit[key]
		return !stillCommitted
	case OpDeleteStripe:
		return !t.StripeDeleting.Contains(uint32(stripeID))
	default:
		return false
	}
}
