package metadata

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// ObjectRef is one object folded into a stripe: its key and byte
// size. A stripe holds more than one only after merging.
type ObjectRef struct {
	Key  string
	Size int64
}

// Stripe is a full EC codeword: k data + g global + l local parity
// blocks, plus the bookkeeping the placement and merge engines need.
//
// Blocks is ordered: indices 0..K-1 are data, K..K+G-1 are global
// parities, K+G..K+G+L-1 are local parities. Place2Clusters is a
// roaring bitmap of the cluster ids holding any block of the stripe:
// bitmaps give cheap membership/union/cardinality checks for both
// placement (picking a new cluster not already in the set) and merge
// (draining a cluster down to zero blocks and removing it).
type Stripe struct {
	ID             StripeID
	K, G, L        int
	Objects        []ObjectRef
	Blocks         []BlockID
	Place2Clusters *roaring.Bitmap
}

// DataBlocks returns the block ids occupying the data region of the
// stripe's block list.
func (s *Stripe) DataBlocks() []BlockID {
	return s.Blocks[:s.K]
}

// GlobalBlocks returns the block ids occupying the global-parity
// region.
func (s *Stripe) GlobalBlocks() []BlockID {
	return s.Blocks[s.K : s.K+s.G]
}

// LocalBlocks returns the block ids occupying the local-parity
// region.
func (s *Stripe) LocalBlocks() []BlockID {
	return s.Blocks[s.K+s.G:]
}

// LocalBlock returns the block id of local parity i.
func (s *Stripe) LocalBlock(i int) BlockID {
	return s.Blocks[s.K+s.G+i]
}

// GlobalBlock returns the block id of global parity i.
func (s *Stripe) GlobalBlock(i int) BlockID {
	return s.Blocks[s.K+i]
}

// stripeEntry is the value type stored in the btree-backed stripe
// table; btree.BTreeG needs a Less method on the item type, so the
// ordering key (ID) is carried alongside the pointer.
type stripeEntry struct {
	stripe *Stripe
}

func (e stripeEntry) Less(than stripeEntry) bool {
	return e.stripe.ID < than.stripe.ID
}
