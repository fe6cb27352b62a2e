// Package coordinatorsrv exposes the coordinator's client-facing RPC
// surface over HTTP+JSON and wires the metadata tables, placement
// engine, and merge engine together behind it. Handlers never panic
// outward: internal faults are caught, logged, and reported as a
// coarse success/fail with an appropriate status code.
package coordinatorsrv

import (
	"context"
	"fmt"
	"net/http"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/ecrcoord/internal/ecschema"
	"github.com/dreamware/ecrcoord/internal/merge"
	"github.com/dreamware/ecrcoord/internal/metadata"
	"github.com/dreamware/ecrcoord/internal/placement"
	"github.com/dreamware/ecrcoord/internal/proxyhealth"
	"github.com/dreamware/ecrcoord/internal/proxyrpc"
	"github.com/dreamware/ecrcoord/internal/randsrc"
)

// Config collects the dependencies a Server needs. Registry and
// Health are optional; a nil Registry gets a private one.
type Config struct {
	Tables   *metadata.Tables
	Proxies  map[metadata.ClusterID]proxyrpc.Client
	Rand     *randsrc.Source
	Log      *zap.Logger
	Registry *prometheus.Registry
	Health   *proxyhealth.Monitor
}

// Server holds the coordinator's request-handling state.
type Server struct {
	tables   *metadata.Tables
	proxies  map[metadata.ClusterID]proxyrpc.Client
	placer   *placement.Engine
	merger   *merge.Engine
	rng      *randsrc.Source
	log      *zap.Logger
	metrics  *Metrics
	registry *prometheus.Registry
	health   *proxyhealth.Monitor
}

// New builds a Server, its placement engine, and its merge engine.
func New(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	s := &Server{
		tables:   cfg.Tables,
		proxies:  cfg.Proxies,
		rng:      cfg.Rand,
		log:      cfg.Log,
		metrics:  NewMetrics(cfg.Registry),
		registry: cfg.Registry,
		health:   cfg.Health,
	}
	s.placer = placement.New(cfg.Tables, cfg.Rand)
	s.merger = merge.New(cfg.Tables, cfg.Proxies, cfg.Rand, cfg.Log)
	s.merger.OnRPCFailure = func(op string) {
		s.metrics.ProxyRPCFailures.WithLabelValues(op).Inc()
	}
	return s
}

// Merger exposes the merge engine, letting the entrypoint tune its
// checkStep backoff policy.
func (s *Server) Merger() *merge.Engine { return s.merger }

// Routes returns the coordinator's HTTP route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/setParameter", s.handleSetParameter)
	mux.HandleFunc("/uploadOriginKeyValue", s.handleUpload)
	mux.HandleFunc("/getValue", s.handleGetValue)
	mux.HandleFunc("/delByKey", s.handleDelByKey)
	mux.HandleFunc("/delByStripe", s.handleDelByStripe)
	mux.HandleFunc("/listStripes", s.handleListStripes)
	mux.HandleFunc("/checkCommitAbort", s.handleCheckCommitAbort)
	mux.HandleFunc("/reportCommitAbort", s.handleReportCommitAbort)
	mux.HandleFunc("/requestMerge", s.handleRequestMerge)
	mux.HandleFunc("/checkalive", s.handleCheckAlive)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	if s.health != nil {
		mux.HandleFunc("/proxyHealth", s.handleProxyHealth)
	}
	return mux
}

// uploadObject runs the SET path: erase any prior in-flight (updating)
// entry for the key, allocate and place a new stripe atomically under the
// tables lock, then send the encode plan to a randomly chosen proxy
// of the placement. The object only enters the updating table once
// that RPC succeeds; commit visibility waits for the proxy's
// reportCommitAbort callback.
func (s *Server) uploadObject(ctx context.Context, key string, size int64) (ip string, port int, err error) {
	t := s.tables
	t.Lock()
	schema := t.Schema
	delete(t.ObjectUpdating, key)

	blockSize := (size + int64(schema.K) - 1) / int64(schema.K)
	snap := t.CloneState()
	sid := t.NextStripeID()
	stripe := &metadata.Stripe{
		ID: sid, K: schema.K, G: schema.G, L: schema.L,
		Objects:        []metadata.ObjectRef{{Key: key, Size: size}},
		Place2Clusters: roaring.New(),
	}
	t.PutStripe(stripe)
	cid, perr := s.placer.Place(stripe, key, blockSize)
	if perr != nil {
		t.RestoreState(snap)
		t.Unlock()
		return "", 0, perr
	}
	s.metrics.PlacementOps.Inc()

	plan := proxyrpc.EncodePlan{
		ObjectKey:  key,
		EncodeType: schema.EncodeType.String(),
		ValueSize:  size,
		BlockSize:  blockSize,
		StripeID:   int(sid),
		K:          schema.K,
		G:          schema.G,
		L:          schema.L,
	}
	for _, bid := range stripe.Blocks {
		b := t.Arena.Get(bid)
		n := t.Nodes[b.NodeID]
		plan.Nodes = append(plan.Nodes, proxyrpc.DataNode{
			IP: n.IP, Port: n.Port, BlockKey: b.Key, BlockID: b.BlockIndex,
		})
	}
	proxy := t.Clusters[cid]
	ip, port = proxy.ProxyIP, proxy.ProxyPort
	t.Unlock()

	if err := s.proxies[cid].EncodeAndSet(ctx, plan); err != nil {
		s.metrics.ProxyRPCFailures.WithLabelValues("encodeAndSet").Inc()
		s.log.Error("encodeAndSet failed", zap.String("key", key), zap.Error(err))
		return ip, port + 1, fmt.Errorf("%w: encodeAndSet: %v", errProxyRPC, err)
	}

	t.Lock()
	t.ObjectUpdating[key] = metadata.ObjectState{Key: key, Size: size, StripeID: sid}
	t.Unlock()
	s.log.Info("object placement sent",
		zap.String("key", key),
		zap.Int("stripe", int(sid)),
		zap.Int("proxy_cluster", int(cid)))
	return ip, port + 1, nil
}

// getObject runs the GET path against the commit table only, picking
// a uniformly random cluster among those holding the object's data
// blocks to drive decoding.
func (s *Server) getObject(ctx context.Context, key, clientIP string, clientPort int) (int64, error) {
	t := s.tables
	t.Lock()
	obj, ok := t.ObjectCommit[key]
	if !ok {
		t.Unlock()
		return 0, metadata.ErrNoSuchKey
	}
	st := t.GetStripe(obj.StripeID)
	if st == nil {
		t.Unlock()
		return 0, metadata.ErrNoSuchStripe
	}
	schema := t.Schema
	plan := proxyrpc.DecodePlan{
		ObjectKey:  key,
		EncodeType: schema.EncodeType.String(),
		ValueSize:  obj.Size,
		StripeID:   int(st.ID),
		ClientIP:   clientIP,
		ClientPort: clientPort,
		K:          st.K,
		G:          st.G,
		L:          st.L,
	}
	holders := roaring.New()
	for _, bid := range st.Blocks {
		b := t.Arena.Get(bid)
		if b == nil || b.ObjectKey != key {
			continue
		}
		n := t.Nodes[b.NodeID]
		plan.Nodes = append(plan.Nodes, proxyrpc.DataNode{
			IP: n.IP, Port: n.Port, BlockKey: b.Key, BlockID: b.BlockIndex,
		})
		holders.Add(uint32(b.ClusterID))
	}
	cid, err := s.pickRandom(holders)
	t.Unlock()
	if err != nil {
		return 0, err
	}

	if err := s.proxies[cid].DecodeAndGet(ctx, plan); err != nil {
		s.metrics.ProxyRPCFailures.WithLabelValues("decodeAndGet").Inc()
		return 0, fmt.Errorf("%w: decodeAndGet: %v", errProxyRPC, err)
	}
	return obj.Size, nil
}

// deleteByKey marks the object in flight and asks a random holder
// proxy to delete its blocks; metadata mutation waits for the commit
// report.
func (s *Server) deleteByKey(ctx context.Context, key string) error {
	t := s.tables
	t.Lock()
	obj, ok := t.ObjectCommit[key]
	if !ok {
		t.Unlock()
		return metadata.ErrNoSuchKey
	}
	t.ObjectUpdating[key] = obj
	st := t.GetStripe(obj.StripeID)
	if st == nil {
		t.Unlock()
		return metadata.ErrNoSuchStripe
	}
	plan := proxyrpc.DeletePlan{StripeID: -1, ObjectKey: key}
	holders := roaring.New()
	for _, bid := range st.Blocks {
		b := t.Arena.Get(bid)
		if b == nil || b.ObjectKey != key {
			continue
		}
		n := t.Nodes[b.NodeID]
		plan.Nodes = append(plan.Nodes, proxyrpc.DataNode{IP: n.IP, Port: n.Port, BlockKey: b.Key})
		holders.Add(uint32(b.ClusterID))
	}
	cid, err := s.pickRandom(holders)
	t.Unlock()
	if err != nil {
		return err
	}

	if _, err := s.proxies[cid].DeleteBlock(ctx, plan); err != nil {
		s.metrics.ProxyRPCFailures.WithLabelValues("deleteBlock").Inc()
		return fmt.Errorf("%w: deleteBlock: %v", errProxyRPC, err)
	}
	s.log.Info("object delete dispatched", zap.String("key", key))
	return nil
}

// deleteByStripe marks the stripe in flight and asks a random holder
// proxy to delete every one of its blocks.
func (s *Server) deleteByStripe(ctx context.Context, sid metadata.StripeID) error {
	t := s.tables
	t.Lock()
	st := t.GetStripe(sid)
	if st == nil {
		t.Unlock()
		return metadata.ErrNoSuchStripe
	}
	t.StripeDeleting.Add(uint32(sid))
	plan := proxyrpc.DeletePlan{StripeID: int(sid)}
	holders := roaring.New()
	for _, bid := range st.Blocks {
		b := t.Arena.Get(bid)
		if b == nil {
			continue
		}
		n := t.Nodes[b.NodeID]
		plan.Nodes = append(plan.Nodes, proxyrpc.DataNode{IP: n.IP, Port: n.Port, BlockKey: b.Key})
		holders.Add(uint32(b.ClusterID))
	}
	cid, err := s.pickRandom(holders)
	t.Unlock()
	if err != nil {
		return err
	}

	if _, err := s.proxies[cid].DeleteBlock(ctx, plan); err != nil {
		s.metrics.ProxyRPCFailures.WithLabelValues("deleteBlock").Inc()
		return fmt.Errorf("%w: deleteBlock: %v", errProxyRPC, err)
	}
	s.log.Info("stripe delete dispatched", zap.Int("stripe", int(sid)))
	return nil
}

// pickRandom selects a uniformly random member of a cluster-id set.
func (s *Server) pickRandom(set *roaring.Bitmap) (metadata.ClusterID, error) {
	n := int(set.GetCardinality())
	if n == 0 {
		return 0, metadata.ErrNoSuchCluster
	}
	v, err := set.Select(uint32(s.rng.IntN(n)))
	if err != nil {
		return 0, err
	}
	return metadata.ClusterID(v), nil
}

// parseSchema maps the wire representation of an EC schema onto
// ecschema.Schema, rejecting unknown enum names.
func parseSchema(req setParameterRequest) (ecschema.Schema, error) {
	schema := ecschema.Schema{
		K: req.K, G: req.G, L: req.L, B: req.B, X: req.X,
		PartialDecoding: req.PartialDecoding,
	}
	switch req.EncodeType {
	case "Azure_LRC":
		schema.EncodeType = ecschema.AzureLRC
	case "Optimal_Cauchy_LRC":
		schema.EncodeType = ecschema.OptimalCauchyLRC
	default:
		return schema, fmt.Errorf("%w: unknown encode type %q", ecschema.ErrSchemaRejected, req.EncodeType)
	}
	switch req.SingleStripePlacement {
	case "", "Optimal":
		schema.SingleStripePlacement = ecschema.Optimal
	default:
		return schema, fmt.Errorf("%w: unknown single-stripe placement %q", ecschema.ErrSchemaRejected, req.SingleStripePlacement)
	}
	switch req.MultiStripePlacement {
	case "Ran":
		schema.MultiStripePlacement = ecschema.Ran
	case "DIS":
		schema.MultiStripePlacement = ecschema.DIS
	case "AGG":
		schema.MultiStripePlacement = ecschema.AGG
	case "OPT":
		schema.MultiStripePlacement = ecschema.OPT
	default:
		return schema, fmt.Errorf("%w: unknown multi-stripe placement %q", ecschema.ErrSchemaRejected, req.MultiStripePlacement)
	}
	return schema, nil
}
