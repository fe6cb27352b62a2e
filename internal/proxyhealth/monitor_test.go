package proxyhealth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/ecrcoord/internal/metadata"
	"github.com/dreamware/ecrcoord/internal/proxyrpc"
)

type flakyClient struct {
	alive atomic.Bool
}

func (c *flakyClient) CheckAlive(context.Context, string) (string, error) {
	if c.alive.Load() {
		return "ok", nil
	}
	return "", errors.New("connection refused")
}
func (c *flakyClient) EncodeAndSet(context.Context, proxyrpc.EncodePlan) error { return nil }
func (c *flakyClient) DecodeAndGet(context.Context, proxyrpc.DecodePlan) error { return nil }
func (c *flakyClient) DeleteBlock(context.Context, proxyrpc.DeletePlan) (bool, error) {
	return true, nil
}
func (c *flakyClient) MainRecal(context.Context, proxyrpc.MainRecalPlan) error { return nil }
func (c *flakyClient) HelpRecal(context.Context, proxyrpc.HelpRecalPlan) error { return nil }
func (c *flakyClient) BlockReloc(context.Context, proxyrpc.RelocPlan) error    { return nil }
func (c *flakyClient) CheckStep(context.Context, proxyrpc.Step) (bool, error)  { return true, nil }

func TestMonitorMarksUnhealthyAfterConsecutiveFailures(t *testing.T) {
	dead := &flakyClient{}
	live := &flakyClient{}
	live.alive.Store(true)
	proxies := map[metadata.ClusterID]proxyrpc.Client{0: dead, 1: live}

	m := NewMonitor(proxies, time.Hour, zap.NewNop())
	var unhealthy atomic.Int32
	m.OnUnhealthy(func(metadata.ClusterID) { unhealthy.Add(1) })

	for i := 0; i < 3; i++ {
		m.probeAll(context.Background())
	}

	byID := map[metadata.ClusterID]ProxyHealth{}
	for _, h := range m.Snapshot() {
		byID[h.ClusterID] = h
	}
	assert.Equal(t, StatusUnhealthy, byID[0].Status)
	assert.Equal(t, 3, byID[0].ConsecutiveFails)
	assert.Equal(t, StatusHealthy, byID[1].Status)
	// Callback fires once per transition, not per failed probe.
	assert.Equal(t, int32(1), unhealthy.Load())
}

func TestMonitorRecovers(t *testing.T) {
	c := &flakyClient{}
	proxies := map[metadata.ClusterID]proxyrpc.Client{0: c}
	m := NewMonitor(proxies, time.Hour, zap.NewNop())

	for i := 0; i < 3; i++ {
		m.probeAll(context.Background())
	}
	c.alive.Store(true)
	m.probeAll(context.Background())

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusHealthy, snap[0].Status)
	assert.Zero(t, snap[0].ConsecutiveFails)
}
