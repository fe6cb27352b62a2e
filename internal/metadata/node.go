package metadata

// Node is a storage server identified by an IP:port endpoint. Its
// StripeBlockCount map lets the coordinator unlink one block of a
// stripe without disturbing the node's bookkeeping for any other
// block of the same stripe that also lives here.
type Node struct {
	IP               string
	Port             int
	ID               NodeID
	ClusterID        ClusterID
	StripeBlockCount map[StripeID]int
}

// NewNode creates a node record for the given cluster.
func NewNode(id NodeID, cluster ClusterID, ip string, port int) *Node {
	return &Node{
		ID:               id,
		ClusterID:        cluster,
		IP:               ip,
		Port:             port,
		StripeBlockCount: make(map[StripeID]int),
	}
}

// AddStripeBlock increments the node's block count for stripe.
func (n *Node) AddStripeBlock(stripe StripeID) {
	n.StripeBlockCount[stripe]++
}

// RemoveStripeBlock decrements the node's block count for stripe,
// dropping the entry entirely once it reaches zero.
func (n *Node) RemoveStripeBlock(stripe StripeID) {
	if n.StripeBlockCount[stripe] <= 1 {
		delete(n.StripeBlockCount, stripe)
		return
	}
	n.StripeBlockCount[stripe]--
}

// HoldsStripe reports whether the node already has any block of the
// given stripe — placement must never assign a stripe two blocks on
// the same node.
func (n *Node) HoldsStripe(stripe StripeID) bool {
	_, ok := n.StripeBlockCount[stripe]
	return ok
}

// TotalBlocks returns the node's total resident block count across
// all stripes.
func (n *Node) TotalBlocks() int {
	total := 0
	for _, c := range n.StripeBlockCount {
		total += c
	}
	return total
}
