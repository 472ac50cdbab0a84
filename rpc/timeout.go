package rpc

import (
	"context"
	"errors"
	"time"
)

// ErrRequestTimeout is returned by SendRequest when no response or progress
// arrives within the per-request timeout and no reset keeps extending it.
var ErrRequestTimeout = errors.New("rpc: request timed out")

// ErrMaxTotalTimeout is returned by SendRequest when the hard ceiling on
// total wait time elapses, regardless of how much progress traffic reset
// the rolling timeout in the meantime.
var ErrMaxTotalTimeout = errors.New("rpc: request exceeded max total timeout")

// TimeoutOptions configures how long SendRequest waits for a response.
type TimeoutOptions struct {
	// Timeout is the rolling per-request deadline. Zero means no timeout
	// (wait forever, subject only to MaxTotalTimeout and ctx).
	Timeout time.Duration

	// ResetOnProgress, when true, pushes Timeout's deadline forward every
	// time a progress notification arrives for this request, so a slow but
	// actively-progressing call doesn't time out.
	ResetOnProgress bool

	// MaxTotalTimeout is a hard ceiling on the total wait, independent of
	// ResetOnProgress. Zero means no ceiling.
	MaxTotalTimeout time.Duration
}

// timeoutController tracks the rolling and absolute deadlines for one
// in-flight request; its wait method returns when the first of them
// elapses.
type timeoutController struct {
	opts      TimeoutOptions
	resetCh   chan struct{}
	cancelCh  chan struct{}
	closeOnce chan struct{}
}

func newTimeoutController(opts TimeoutOptions) *timeoutController {
	return &timeoutController{
		opts:      opts,
		resetCh:   make(chan struct{}, 1),
		cancelCh:  make(chan struct{}),
		closeOnce: make(chan struct{}),
	}
}

// signalProgress resets the rolling timeout, if ResetOnProgress is enabled.
func (t *timeoutController) signalProgress() {
	if !t.opts.ResetOnProgress {
		return
	}
	select {
	case t.resetCh <- struct{}{}:
	default:
	}
}

// cancel stops wait() early with a nil error (the caller already got its
// real result through another channel).
func (t *timeoutController) cancel() {
	select {
	case <-t.cancelCh:
	default:
		close(t.cancelCh)
	}
}

// wait blocks until ctx is done, cancel() is called, the rolling timeout
// elapses without being reset, or the max total timeout elapses — whichever
// comes first. A nil return means cancel() fired (normal completion path);
// callers racing this against a result channel treat nil as "ignore me".
func (t *timeoutController) wait(ctx context.Context) error {
	var maxCh <-chan time.Time
	if t.opts.MaxTotalTimeout > 0 {
		timer := time.NewTimer(t.opts.MaxTotalTimeout)
		defer timer.Stop()
		maxCh = timer.C
	}

	for {
		var rollingCh <-chan time.Time
		var rollingTimer *time.Timer
		if t.opts.Timeout > 0 {
			rollingTimer = time.NewTimer(t.opts.Timeout)
			rollingCh = rollingTimer.C
		}

		select {
		case <-ctx.Done():
			stop(rollingTimer)
			return ctx.Err()
		case <-t.cancelCh:
			stop(rollingTimer)
			return nil
		case <-maxCh:
			stop(rollingTimer)
			return ErrMaxTotalTimeout
		case <-rollingCh:
			return ErrRequestTimeout
		case <-t.resetCh:
			stop(rollingTimer)
			continue
		}
	}
}

func stop(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
