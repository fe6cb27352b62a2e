package metadata

import "github.com/RoaringBitmap/roaring/v2"

// Cluster is a fault domain: a proxy endpoint and a set of member
// nodes, plus the blocks and stripes currently resident on it.
type Cluster struct {
	ProxyIP   string
	ProxyPort int
	ID        ClusterID
	Nodes     []NodeID
	Blocks    map[BlockID]struct{}
	Stripes   *roaring.Bitmap // resident stripe ids, for quick membership checks during merge
}

// NewCluster creates an empty cluster record for the given id and
// proxy endpoint.
func NewCluster(id ClusterID, proxyIP string, proxyPort int) *Cluster {
	return &Cluster{
		ID:        id,
		ProxyIP:   proxyIP,
		ProxyPort: proxyPort,
		Blocks:    make(map[BlockID]struct{}),
		Stripes:   roaring.New(),
	}
}

// AddBlock records a block as resident on this cluster and marks its
// stripe resident too.
func (c *Cluster) AddBlock(id BlockID, stripe StripeID) {
	c.Blocks[id] = struct{}{}
	c.Stripes.Add(uint32(stripe))
}

// RemoveBlock drops a block's residency. The caller is responsible
// for clearing the stripe bit via RefreshStripeResidency once it has
// recounted the cluster's blocks for that stripe (a cluster may hold
// several blocks of the same stripe).
func (c *Cluster) RemoveBlock(id BlockID) {
	delete(c.Blocks, id)
}

// CountStripeBlocks counts how many of the cluster's resident blocks
// belong to the given stripe (and, when group >= 0, to that local
// group specifically). A group of -1 means "any group".
func (c *Cluster) CountStripeBlocks(arena *BlockArena, stripe StripeID, group int) int {
	n := 0
	for id := range c.Blocks {
		b := arena.Get(id)
		if b == nil || b.StripeID != stripe {
			continue
		}
		if group == -1 || b.Group == group {
			n++
		}
	}
	return n
}

// RefreshStripeResidency clears the stripe's bit in c.Stripes if the
// cluster no longer holds any block of it.
func (c *Cluster) RefreshStripeResidency(arena *BlockArena, stripe StripeID) {
	if c.CountStripeBlocks(arena, stripe, -1) == 0 {
		c.Stripes.Remove(uint32(stripe))
	}
}

// HasBlockType reports whether the cluster holds any block of the
// given type belonging to stripe (or any stripe at all, when
// stripeSet is false).
func (c *Cluster) HasBlockType(arena *BlockArena, stripe StripeID, stripeSet bool, t BlockType) bool {
	for id := range c.Blocks {
		b := arena.Get(id)
		if b == nil || b.Type != t {
			continue
		}
		if !stripeSet || b.StripeID == stripe {
			return true
		}
	}
	return false
}
