// Package proxyhealth periodically probes every cluster's proxy with
// the checkalive RPC and tracks liveness. A proxy that misses several
// consecutive probes is marked unhealthy and reported through a
// callback; it stays registered, and operations targeting it simply
// fail until it answers again.
package proxyhealth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/ecrcoord/internal/metadata"
	"github.com/dreamware/ecrcoord/internal/proxyrpc"
)

// Status constants for proxy health tracking.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// ProxyHealth tracks the probe history of a single cluster's proxy.
type ProxyHealth struct {
	LastCheck        time.Time
	LastHealthy      time.Time
	Status           string
	ClusterID        metadata.ClusterID
	ConsecutiveFails int
}

// Monitor probes all proxies on a fixed interval. Thread-safe: the
// status map is guarded by its own mutex, independent of the metadata
// tables lock.
type Monitor struct {
	proxies     map[metadata.ClusterID]proxyrpc.Client
	status      map[metadata.ClusterID]*ProxyHealth
	log         *zap.Logger
	onUnhealthy func(metadata.ClusterID)
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// NewMonitor creates a monitor probing the given proxies every
// interval. A proxy is marked unhealthy after three consecutive
// failed probes.
func NewMonitor(proxies map[metadata.ClusterID]proxyrpc.Client, interval time.Duration, log *zap.Logger) *Monitor {
	status := make(map[metadata.ClusterID]*ProxyHealth, len(proxies))
	for cid := range proxies {
		status[cid] = &ProxyHealth{ClusterID: cid, Status: StatusUnknown}
	}
	return &Monitor{
		proxies:     proxies,
		status:      status,
		log:         log,
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
	}
}

// OnUnhealthy registers a callback invoked (at most once per
// transition) when a proxy crosses the failure threshold.
func (m *Monitor) OnUnhealthy(fn func(metadata.ClusterID)) {
	m.onUnhealthy = fn
}

// Start runs probe rounds until ctx is canceled. It probes once
// immediately so status is populated before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// probeAll fires one checkalive per proxy concurrently and folds the
// results into the status map.
func (m *Monitor) probeAll(ctx context.Context) {
	for cid, client := range m.proxies {
		cid, client := cid, client
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			_, err := client.CheckAlive(probeCtx, "coordinator")
			m.record(cid, err)
		}()
	}
	m.wg.Wait()
}

func (m *Monitor) record(cid metadata.ClusterID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.status[cid]
	h.LastCheck = time.Now()
	if err == nil {
		if h.Status == StatusUnhealthy {
			m.log.Info("proxy recovered", zap.Int("cluster", int(cid)))
		}
		h.Status = StatusHealthy
		h.LastHealthy = h.LastCheck
		h.ConsecutiveFails = 0
		return
	}

	h.ConsecutiveFails++
	m.log.Warn("proxy probe failed",
		zap.Int("cluster", int(cid)),
		zap.Int("consecutive", h.ConsecutiveFails),
		zap.Error(err))
	if h.ConsecutiveFails >= m.maxFailures && h.Status != StatusUnhealthy {
		h.Status = StatusUnhealthy
		if m.onUnhealthy != nil {
			m.onUnhealthy(cid)
		}
	}
}

// Snapshot returns a copy of every proxy's current health record.
func (m *Monitor) Snapshot() []ProxyHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProxyHealth, 0, len(m.status))
	for _, h := range m.status {
		out = append(out, *h)
	}
	return out
}
