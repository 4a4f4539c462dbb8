// Package retry wraps fetch-like operations in a bounded retry loop.
package retry

import (
	"context"
)

type Policy struct {
	// MaxAttempts counts the first try; values below 1 mean one attempt.
	MaxAttempts int
	// Retriable decides whether a failed attempt may be tried again.
	Retriable func(error) bool
	// Wait runs between attempts. A non-nil error stops the loop.
	Wait func(ctx context.Context, attempt int, err error) error
	// OnRetry is called before waiting, e.g. for logging.
	OnRetry func(attempt int, err error)
}

// Do runs op until it succeeds, fails with a non-retriable error, the attempts are
// exhausted or ctx is done. The last error is returned as is.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt >= attempts || p.Retriable == nil || !p.Retriable(err) {
			return v, err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if p.Wait != nil {
			if werr := p.Wait(ctx, attempt, err); werr != nil {
				return zero, werr
			}
		}
	}
}
