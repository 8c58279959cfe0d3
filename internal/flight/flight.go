// Package flight wraps golang.org/x/sync/singleflight so that a caller giving
// up on a shared call does not cancel it for the other callers.
package flight

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Do runs fn once per key among concurrent callers and returns its result to
// all of them. fn receives a context detached from any single caller's
// cancellation and bounded by timeout (if positive). A caller whose ctx ends
// first returns ctx.Err() while the shared call keeps running.
// The boolean reports whether the result was shared with other callers.
func Do[T any](ctx context.Context, g *singleflight.Group, key string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	ch := g.DoChan(key, func() (interface{}, error) {
		callCtx := context.WithoutCancel(ctx)
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, timeout)
			defer cancel()
		}
		return fn(callCtx)
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	}
}
