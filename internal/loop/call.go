package loop

import (
	"context"
	"time"

	"github.com/roach88/lockstep/internal/simerr"
)

// call runs fn against an engine with a deadline of timeout.
//
// The parent's cancellation is not propagated, so a stop request never
// interrupts an engine half-way through a command; values are. If fn has
// not returned when the deadline passes, call gives up on it and reports a
// synchronization timeout. The abandoned goroutine exits once fn returns.
func call[T any](parent context.Context, timeout time.Duration, engine, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		// An engine that gave up because the deadline passed still timed out.
		if r.err != nil && ctx.Err() != nil {
			var zero T
			return zero, simerr.NewTimeoutError(engine, op, r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, simerr.NewTimeoutError(engine, op, ctx.Err())
	}
}

// callErr is call for operations that only return an error.
func callErr(parent context.Context, timeout time.Duration, engine, op string, fn func(context.Context) error) error {
	_, err := call(parent, timeout, engine, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
