package proxyrpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pollClient fakes only CheckStep; everything else panics if reached.
type pollClient struct {
	Client
	calls   int
	results []pollResult
}

type pollResult struct {
	ok  bool
	err error
}

func (c *pollClient) CheckStep(context.Context, Step) (bool, error) {
	r := c.results[c.calls]
	if c.calls < len(c.results)-1 {
		c.calls++
	}
	return r.ok, r.err
}

func fastPolicy(max uint64) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), max)
}

func TestPollStepRetriesUntilSuccess(t *testing.T) {
	c := &pollClient{results: []pollResult{
		{ok: false}, {ok: false}, {ok: true},
	}}
	err := PollStep(context.Background(), c, StepGlobalRecal, fastPolicy(10))
	require.NoError(t, err)
	assert.Equal(t, 2, c.calls)
}

func TestPollStepRetriesTransportErrors(t *testing.T) {
	c := &pollClient{results: []pollResult{
		{err: errors.New("connection reset")}, {ok: true},
	}}
	err := PollStep(context.Background(), c, StepReloc, fastPolicy(10))
	require.NoError(t, err)
}

func TestPollStepGivesUp(t *testing.T) {
	c := &pollClient{results: []pollResult{{ok: false}}}
	err := PollStep(context.Background(), c, StepLocalRecal, fastPolicy(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCheckStepFailed)
}

func TestPollStepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &pollClient{results: []pollResult{{ok: false}}}
	err := PollStep(ctx, c, StepGlobalRecal, fastPolicy(100))
	require.Error(t, err)
}
