package proxyrpc

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// ErrCheckStepFailed is returned by PollStep when the backoff policy
// gives up, or ctx ends, before the proxy reports the step complete.
// An answer of success == false is retried like a transport error.
var ErrCheckStepFailed = errors.New("proxyrpc: checkStep reported failure")

// PollStep retries CheckStep until it reports success or the backoff
// policy gives up. A single-shot poll is not enough: proxies may
// answer before the step has actually completed.
func PollStep(ctx context.Context, c Client, step Step, policy backoff.BackOff) error {
	op := func() error {
		ok, err := c.CheckStep(ctx, step)
		if err != nil {
			// transport failure: retry
			return err
		}
		if !ok {
			// proxy still working, not yet done: retry
			return errNotYetDone
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return ErrCheckStepFailed
	}
	return nil
}

var errNotYetDone = errors.New("proxyrpc: step not yet complete")

// DefaultStepBackoff returns the standard exponential backoff policy
// used for checkStep polling: short initial interval, capped total
// elapsed time so a wedged proxy surfaces as ProxyRpcFailed instead of
// hanging the merge forever.
func DefaultStepBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoff.DefaultInitialInterval / 5
	b.MaxElapsedTime = backoff.DefaultMaxElapsedTime
	return b
}
