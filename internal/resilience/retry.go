package resilience

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRetryDelay is the pause between the failed attempt and its single
// retry when the caller passes a non-positive delay.
const DefaultRetryDelay = time.Second

// RetryOnce runs fn and, if it fails with an error for which shouldRetry
// returns true, runs it exactly one more time after delay. Errors rejected by
// shouldRetry are returned immediately. The delay honours ctx: if the context
// is done before the retry fires, the context error is returned instead.
func RetryOnce(ctx context.Context, delay time.Duration, shouldRetry func(error) bool, fn func() error) error {
	_, err := RetryOnceResult(ctx, delay, shouldRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryOnceResult is [RetryOnce] for calls that produce a value. Methods cannot
// have type parameters, so this is a package-level function.
func RetryOnceResult[R any](ctx context.Context, delay time.Duration, shouldRetry func(error) bool, fn func() (R, error)) (R, error) {
	res, err := fn()
	if err == nil || shouldRetry == nil || !shouldRetry(err) {
		return res, err
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	slog.Warn("retrying after transient failure",
		"delay", delay,
		"err", err)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	case <-timer.C:
	}

	return fn()
}
