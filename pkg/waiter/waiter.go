// Package waiter polls eventually consistent cluster state until a condition
// holds or a time budget runs out.
package waiter

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
)

// Condition reports whether the awaited state has been reached. An error is
// treated like false; the last one is attached to the timeout error.
type Condition func(ctx context.Context) (bool, error)

// Waiter provides waiting on conditions with a default timeout and polling
// interval
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// New creates a Waiter with the given timeout and polling interval
func New(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// Default returns a waiter with a 5m timeout and a 2s interval
func Default() *Waiter {
	return New(5*time.Minute, 2*time.Second)
}

func (w *Waiter) Timeout() time.Duration { return w.timeout }

func (w *Waiter) Interval() time.Duration { return w.interval }

// WaitFor waits for cond using the waiter's timeout and interval
func (w *Waiter) WaitFor(ctx context.Context, description string, cond Condition) error {
	return Until(ctx, description, w.timeout, w.interval, cond)
}

// Until evaluates cond immediately and then every interval until it returns
// true. The condition is always evaluated before the elapsed time is
// compared with timeout, so a condition that turns true just before the
// deadline succeeds on the round that observes it. When the budget is spent
// Until returns *errdefs.TimeoutError. Cancelling ctx aborts with ctx.Err().
func Until(ctx context.Context, description string, timeout, interval time.Duration, cond Condition) error {
	logger := log.WithComponent("waiter")
	start := time.Now()
	var lastErr error

	for {
		ok, err := cond(ctx)
		if err != nil {
			lastErr = err
			logger.Debug().Err(err).Str("condition", description).Msg("condition check failed")
		} else if ok {
			return nil
		}

		elapsed := time.Since(start)
		if elapsed >= timeout {
			metrics.WaitTimeouts.Inc()
			return &errdefs.TimeoutError{
				Operation: description,
				Timeout:   timeout,
				Elapsed:   elapsed,
				LastErr:   lastErr,
			}
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
