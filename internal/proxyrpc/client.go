// Package proxyrpc models the coordinator-to-proxy RPC surface:
// encodeAndSetObject, decodeAndGetObject, deleteBlock, mainRecal,
// helpRecal, blockReloc, checkStep, and checkalive. Proxies themselves
// are external collaborators; this package only defines the contract
// and an HTTP+JSON transport for it.
package proxyrpc

import "context"

// Endpoint addresses one cluster's proxy. Port is the RPC port; data
// transfer between proxies and clients rides on Port+1 by convention.
type Endpoint struct {
	IP   string
	Port int
}

// DataNode addresses one block's storage location within a plan: the
// node endpoint, the block's key, and (where the operation cares) the
// block's index within its stripe.
type DataNode struct {
	IP       string `json:"ip"`
	BlockKey string `json:"block_key"`
	Port     int    `json:"port"`
	BlockID  int    `json:"block_id"`
}

// EncodePlan is the full placement description sent to a proxy for
// encodeAndSetObject: the object, its EC parameters, and the node
// destined to hold each block of the new stripe.
type EncodePlan struct {
	ObjectKey  string     `json:"object_key"`
	EncodeType string     `json:"encode_type"`
	Nodes      []DataNode `json:"nodes"`
	ValueSize  int64      `json:"value_size"`
	BlockSize  int64      `json:"block_size"`
	StripeID   int        `json:"stripe_id"`
	K          int        `json:"k"`
	G          int        `json:"g"`
	L          int        `json:"l"`
}

// DecodePlan is sent to a proxy for decodeAndGetObject: the locations
// of the object's data blocks plus the client endpoint to push the
// reconstructed value to.
type DecodePlan struct {
	ObjectKey  string     `json:"object_key"`
	EncodeType string     `json:"encode_type"`
	ClientIP   string     `json:"client_ip"`
	Nodes      []DataNode `json:"nodes"`
	ValueSize  int64      `json:"value_size"`
	StripeID   int        `json:"stripe_id"`
	ClientPort int        `json:"client_port"`
	K          int        `json:"k"`
	G          int        `json:"g"`
	L          int        `json:"l"`
}

// DeletePlan is sent for deleteBlock. StripeID == -1 means "delete
// only the listed blocks"; >= 0 means "all blocks of this stripe".
// ObjectKey is set for key deletes so the proxy can report the commit
// back against the right object.
type DeletePlan struct {
	ObjectKey string     `json:"object_key"`
	Nodes     []DataNode `json:"nodes"`
	StripeID  int        `json:"stripe_id"`
}

// ClusterPlan is one cluster's contribution to a parity-recompute
// plan: its proxy endpoint and the source blocks it hosts.
type ClusterPlan struct {
	ProxyIP   string     `json:"proxy_ip"`
	Nodes     []DataNode `json:"nodes"`
	ClusterID int        `json:"cluster_id"`
	ProxyPort int        `json:"proxy_port"`
}

// MainRecalPlan is sent to the proxy that drives one parity
// recomputation. Global selects global-parity recompute over local
// group GroupID's parity. Clusters lists every cluster holding source
// blocks; NewParities lists the nodes that will store the recomputed
// parity blocks.
type MainRecalPlan struct {
	Clusters        []ClusterPlan `json:"clusters"`
	NewParities     []DataNode    `json:"new_parities"`
	BlockSize       int64         `json:"block_size"`
	StripeID        int           `json:"stripe_id"`
	GroupID         int           `json:"group_id"`
	K               int           `json:"k"`
	G               int           `json:"g"`
	L               int           `json:"l"`
	Global          bool          `json:"global"`
	PartialDecoding bool          `json:"partial_decoding"`
}

// HelpRecalPlan is sent to every other cluster holding source blocks:
// read the listed blocks and stream them (optionally pre-reduced via
// partial decoding) to the main proxy's data port.
type HelpRecalPlan struct {
	MainProxyIP     string     `json:"main_proxy_ip"`
	Nodes           []DataNode `json:"nodes"`
	BlockSize       int64      `json:"block_size"`
	MainProxyPort   int        `json:"main_proxy_port"`
	ParityNum       int        `json:"parity_num"`
	PartialDecoding bool       `json:"partial_decoding"`
}

// BlockMove is one block's relocation source and destination within a
// blockReloc plan.
type BlockMove struct {
	BlockKey string `json:"block_key"`
	FromIP   string `json:"from_ip"`
	ToIP     string `json:"to_ip"`
	FromPort int    `json:"from_port"`
	ToPort   int    `json:"to_port"`
}

// RelocPlan is sent for blockReloc: every block to move plus the
// uniform block size.
type RelocPlan struct {
	Moves     []BlockMove `json:"moves"`
	BlockSize int64       `json:"block_size"`
}

// Step names the three merge phases checkStep can be asked about:
// 0 = global parity recompute, 1 = local parity recompute, 2 = block
// relocation.
type Step int

const (
	StepGlobalRecal Step = 0
	StepLocalRecal  Step = 1
	StepReloc       Step = 2
)

// Client is the coordinator's view of one proxy. All methods take a
// context and return a transport error distinct from application-level
// failure (reported via reply fields such as DeleteBlock's committed).
type Client interface {
	CheckAlive(ctx context.Context, name string) (echo string, err error)
	EncodeAndSet(ctx context.Context, plan EncodePlan) error
	DecodeAndGet(ctx context.Context, plan DecodePlan) error
	DeleteBlock(ctx context.Context, plan DeletePlan) (committed bool, err error)
	MainRecal(ctx context.Context, plan MainRecalPlan) error
	HelpRecal(ctx context.Context, plan HelpRecalPlan) error
	BlockReloc(ctx context.Context, plan RelocPlan) error
	// CheckStep polls once; callers that need retry-until-done
	// semantics should use PollStep instead (see poll.go).
	CheckStep(ctx context.Context, step Step) (success bool, err error)
}

// Dialer opens a Client for a given proxy endpoint.
type Dialer interface {
	Dial(ep Endpoint) Client
}
