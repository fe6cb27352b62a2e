package coordinatorsrv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordinator's Prometheus instruments, exposed on
// /metrics next to the health endpoints.
type Metrics struct {
	PlacementOps     prometheus.Counter
	MergeChunks      prometheus.Counter
	MergeDuration    prometheus.Histogram
	ProxyRPCFailures *prometheus.CounterVec
}

// NewMetrics registers the coordinator's instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PlacementOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "placement_operations_total",
			Help: "Stripes placed since startup.",
		}),
		MergeChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "merge_chunks_total",
			Help: "Merge chunks completed since startup.",
		}),
		MergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "merge_duration_seconds",
			Help:    "Wall time of whole merge passes.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		ProxyRPCFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_rpc_failures_total",
			Help: "Proxy RPCs that returned an error, by operation.",
		}, []string{"op"}),
	}
}
