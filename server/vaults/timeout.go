package vaults

import (
	"context"
	"time"
)

// ensureTimeout applies defaultTimeout to ctx unless it already carries a
// deadline.
func ensureTimeout(ctx context.Context, defaultTimeout time.Duration) (context.Context, context.CancelFunc) {
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok && defaultTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
	}
	return ctx, cancel
}

// bounded runs fn and returns when it completes or ctx is done, whichever
// comes first. A result arriving after ctx is done is handed to discard so
// late-opened handles are not leaked.
func bounded[T any](ctx context.Context, fn func(context.Context) (T, error), discard func(T)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := fn(ctx)
		ch <- result{val, err}
	}()
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && discard != nil {
				discard(r.val)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}
