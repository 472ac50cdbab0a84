package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeoutControllerRollingTimeout(t *testing.T) {
	tc := newTimeoutController(TimeoutOptions{Timeout: 20 * time.Millisecond})
	err := tc.wait(context.Background())
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestTimeoutControllerResetOnProgressExtendsDeadline(t *testing.T) {
	tc := newTimeoutController(TimeoutOptions{Timeout: 30 * time.Millisecond, ResetOnProgress: true})

	done := make(chan error, 1)
	go func() { done <- tc.wait(context.Background()) }()

	// Keep resetting the rolling timeout faster than it can expire.
	for i := 0; i < 5; i++ {
		time.Sleep(15 * time.Millisecond)
		tc.signalProgress()
	}
	tc.cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "progress resets should have prevented ErrRequestTimeout")
	case <-time.After(time.Second):
		t.Fatal("wait never returned")
	}
}

func TestTimeoutControllerMaxTotalTimeoutOverridesReset(t *testing.T) {
	tc := newTimeoutController(TimeoutOptions{
		Timeout:         20 * time.Millisecond,
		ResetOnProgress: true,
		MaxTotalTimeout: 50 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- tc.wait(context.Background()) }()

	stop := time.After(80 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			tc.signalProgress()
		case <-stop:
			break loop
		}
	}

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrMaxTotalTimeout)
	case <-time.After(time.Second):
		t.Fatal("wait never returned")
	}
}

func TestTimeoutControllerCancelReturnsNil(t *testing.T) {
	tc := newTimeoutController(TimeoutOptions{Timeout: time.Second})
	done := make(chan error, 1)
	go func() { done <- tc.wait(context.Background()) }()

	tc.cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait never returned after cancel")
	}
}
