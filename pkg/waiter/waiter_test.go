package waiter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntilImmediateSuccess(t *testing.T) {
	var calls int32
	err := Until(context.Background(), "ready", time.Second, time.Hour, func(context.Context) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestUntilSucceedsJustBeforeTimeout(t *testing.T) {
	timeout := 300 * time.Millisecond
	interval := 100 * time.Millisecond
	start := time.Now()

	err := Until(context.Background(), "late", timeout, interval, func(context.Context) (bool, error) {
		return time.Since(start) >= timeout-20*time.Millisecond, nil
	})
	assert.NoError(t, err)
}

func TestUntilNeverTrueFailsOnceWithinBound(t *testing.T) {
	timeout := 200 * time.Millisecond
	interval := 50 * time.Millisecond
	start := time.Now()

	err := Until(context.Background(), "never", timeout, interval, func(context.Context) (bool, error) {
		return false, nil
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+interval+50*time.Millisecond)
}

func TestUntilKeepsLastConditionError(t *testing.T) {
	cause := errors.New("connection refused")
	err := Until(context.Background(), "flaky", 30*time.Millisecond, 10*time.Millisecond, func(context.Context) (bool, error) {
		return false, cause
	})

	var te *errdefs.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "flaky", te.Operation)
}

func TestUntilRecoversFromTransientErrors(t *testing.T) {
	var calls int32
	err := Until(context.Background(), "recovers", time.Second, 5*time.Millisecond, func(context.Context) (bool, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return false, errors.New("blip")
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
}

func TestUntilContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Until(ctx, "cancelled", time.Minute, 5*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaiterDefaults(t *testing.T) {
	w := Default()
	assert.Equal(t, 5*time.Minute, w.Timeout())
	assert.Equal(t, 2*time.Second, w.Interval())

	err := New(10*time.Millisecond, time.Millisecond).WaitFor(context.Background(), "never", func(context.Context) (bool, error) {
		return false, nil
	})
	assert.True(t, errdefs.IsTimeout(err))
}
