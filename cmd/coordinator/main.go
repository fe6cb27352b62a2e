// Package main implements the coordinator service, the control plane
// of the erasure-coded object store.
//
// The coordinator is the cluster-wide singleton responsible for:
//   - Block placement at stripe creation, under one of four
//     multi-stripe layout strategies (Ran, DIS, AGG, OPT)
//   - Per-stripe, per-cluster, per-node metadata tracking
//   - Driving multi-proxy parity recomputation and block relocation
//     during stripe merging
//   - Mediating client SET/GET/DELETE against the per-cluster proxies
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│              Coordinator                    │
//	├─────────────────────────────────────────────┤
//	│  HTTP API:                                  │
//	│    /setParameter         - Install schema   │
//	│    /uploadOriginKeyValue - SET placement    │
//	│    /getValue             - GET dispatch     │
//	│    /delByKey /delByStripe- DEL dispatch     │
//	│    /listStripes          - Stripe snapshot  │
//	│    /checkCommitAbort     - Client poll      │
//	│    /reportCommitAbort    - Proxy callback   │
//	│    /requestMerge         - Merge pass       │
//	│    /checkalive /health   - Liveness         │
//	│    /metrics              - Prometheus       │
//	├─────────────────────────────────────────────┤
//	│  Components:                                │
//	│    metadata.Tables   - Shared state         │
//	│    placement.Engine  - Block assignment     │
//	│    merge.Engine      - Stripe merging       │
//	│    proxyhealth       - Proxy liveness       │
//	└─────────────────────────────────────────────┘
//
// Configuration:
//   - COORDINATOR_ADDR: fallback listen address when --listen is unset
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/ecrcoord/internal/coordinatorsrv"
	"github.com/dreamware/ecrcoord/internal/metadata"
	"github.com/dreamware/ecrcoord/internal/proxyhealth"
	"github.com/dreamware/ecrcoord/internal/proxyrpc"
	"github.com/dreamware/ecrcoord/internal/randsrc"
	"github.com/dreamware/ecrcoord/internal/topology"
)

func main() {
	var (
		listen         string
		topologyPath   string
		healthInterval time.Duration
		seed           uint64
		dev            bool
	)

	root := &cobra.Command{
		Use:   "coordinator",
		Short: "Control plane for the erasure-coded object store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = getenv("COORDINATOR_ADDR", ":8080")
			}
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			return run(cmd.Context(), listen, topologyPath, healthInterval, seed, dev)
		},
	}
	root.Flags().StringVar(&listen, "listen", "", "listen address (falls back to COORDINATOR_ADDR, then :8080)")
	root.Flags().StringVar(&topologyPath, "topology", "clusterinfo.xml", "path to the cluster topology XML")
	root.Flags().DurationVar(&healthInterval, "health-interval", 5*time.Second, "proxy liveness probe interval")
	root.Flags().Uint64Var(&seed, "seed", 0, "placement RNG seed (0 seeds from the clock)")
	root.Flags().BoolVar(&dev, "dev", false, "development-mode logging")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, listen, topologyPath string, healthInterval time.Duration, seed uint64, dev bool) error {
	log, err := buildLogger(dev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	loaded, err := topology.Load(topologyPath, proxyrpc.NewHTTPDialer())
	if err != nil {
		return err
	}
	log.Info("topology loaded",
		zap.Int("clusters", len(loaded.Clusters)),
		zap.Int("nodes", len(loaded.Nodes)))

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	for _, st := range topology.ProbeAll(probeCtx, loaded.Proxies) {
		if st.Alive {
			log.Info("proxy alive", zap.Int("cluster", int(st.ClusterID)))
		} else {
			log.Warn("proxy unreachable at startup",
				zap.Int("cluster", int(st.ClusterID)),
				zap.Error(st.Err))
		}
	}
	cancel()

	tables := metadata.NewTables(loaded.Clusters, loaded.Nodes)
	rng := randsrc.New(seed)
	monitor := proxyhealth.NewMonitor(loaded.Proxies, healthInterval, log)
	go monitor.Start(ctx)

	srv := coordinatorsrv.New(coordinatorsrv.Config{
		Tables:  tables,
		Proxies: loaded.Proxies,
		Rand:    rng,
		Log:     log,
		Health:  monitor,
	})

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("coordinator listening", zap.String("addr", listen))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// getenv returns the environment value for key, or fallback when
// unset.
func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
