package session

import (
	"context"
	"fmt"
	"time"
)

// Await runs fn and waits for it, the timer or ctx, whichever comes first.
// fn keeps running in the background if it ignores its context; its late
// result is discarded. A panic inside fn is returned as a *DriverError.
func Await[T any](ctx context.Context, op string, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &DriverError{Op: op, Cause: fmt.Errorf("panic: %v", r)}}
			}
		}()
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.val, r.err
	case <-timer.C:
		return zero, &TimeoutError{Op: op, After: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// AwaitErr is Await for operations without a result.
func AwaitErr(ctx context.Context, op string, d time.Duration, fn func(context.Context) error) error {
	_, err := Await(ctx, op, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
