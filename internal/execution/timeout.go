// Package execution runs tool calls with coercion, caching, timeouts and
// per-provider failure tracking.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is the error carried by a TimeoutResult whose timer fired.
var ErrTimeout = errors.New("tool execution timed out")

// TimeoutResult is the outcome of ExecuteWithTimeout.
type TimeoutResult struct {
	Success       bool
	Result        any
	Err           error
	TimedOut      bool
	ExecutionTime time.Duration
}

// ExecuteWithTimeout races fn against a timer. The losing goroutine is left
// to finish on its own; its result is discarded and its context cancelled.
// A parent cancellation is reported as an error, not as a timeout.
func ExecuteWithTimeout(ctx context.Context, toolName string, fn func(context.Context) (any, error), timeout time.Duration) TimeoutResult {
	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	// buffered so the loser never blocks
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", toolName, r)}
			}
		}()
		result, err := fn(runCtx)
		done <- outcome{result: result, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case o := <-done:
		return TimeoutResult{
			Success:       o.err == nil,
			Result:        o.result,
			Err:           o.err,
			ExecutionTime: time.Since(start),
		}
	case <-timer:
		return TimeoutResult{
			Err:           fmt.Errorf("%w: %s after %s", ErrTimeout, toolName, timeout),
			TimedOut:      true,
			ExecutionTime: time.Since(start),
		}
	case <-ctx.Done():
		return TimeoutResult{
			Err:           ctx.Err(),
			ExecutionTime: time.Since(start),
		}
	}
}
