// Package worker fans entity and key work out over a bounded pool.
package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type FailurePolicy int

const (
	FailurePolicyPartialOutput FailurePolicy = iota
	FailurePolicyFailFast
)

// Options configure a pool run. Failed items are never retried: a failure is reported to the
// caller, which decides what the run does next.
type Options struct {
	Workers int
	// ItemTimeout bounds each item. Set to <=0 to disable.
	ItemTimeout time.Duration
	// RateLimitRPS is a global limit across all workers. Set to <=0 to disable.
	RateLimitRPS float64

	FailurePolicy FailurePolicy
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Input  In
	Output Out
	Err    error
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	return o
}

func (o Options) limiter() *rate.Limiter {
	if o.RateLimitRPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(o.RateLimitRPS), 1)
}

// Each runs fn over items and stops scheduling at the first error, which it returns. Items that
// have not started when a failure lands are skipped.
func Each[T any](ctx context.Context, items []T, fn func(context.Context, T) error, opts Options) error {
	opts = opts.withDefaults()
	lim := opts.limiter()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := call(gctx, lim, opts.ItemTimeout, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, fn(ctx, item)
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ProcessAll runs the processor over all input items. Results are returned in input order.
func ProcessAll[In any, Out any](
	ctx context.Context,
	items []In,
	processor func(context.Context, In) (Out, error),
	opts Options,
) ([]Result[In, Out], error) {
	return ProcessAllWithCallback(ctx, items, processor, nil, opts)
}

// ProcessAllWithCallback runs the processor over all input items and invokes onResult as each
// item completes, in completion order. A callback error stops the run and is returned.
// Under FailurePolicyFailFast the first item error does the same; otherwise item errors stay
// in their Result.
func ProcessAllWithCallback[In any, Out any](
	ctx context.Context,
	items []In,
	processor func(context.Context, In) (Out, error),
	onResult func(Result[In, Out]) error,
	opts Options,
) ([]Result[In, Out], error) {
	opts = opts.withDefaults()
	lim := opts.limiter()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(opts.Workers)

	type completion struct {
		idx int
		res Result[In, Out]
	}
	completions := make(chan completion)
	var poolErr error
	go func() {
		defer close(completions)
		for i, item := range items {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := call(gctx, lim, opts.ItemTimeout, func(ctx context.Context) (Out, error) {
					return processor(ctx, item)
				})
				select {
				case completions <- completion{idx: i, res: Result[In, Out]{Input: item, Output: out, Err: err}}:
				case <-gctx.Done():
					return gctx.Err()
				}
				if err != nil && opts.FailurePolicy == FailurePolicyFailFast {
					return err
				}
				return nil
			})
		}
		poolErr = g.Wait()
	}()

	out := make([]Result[In, Out], len(items))
	var callbackErr error
	for c := range completions {
		out[c.idx] = c.res
		if onResult == nil || callbackErr != nil {
			continue
		}
		if err := onResult(c.res); err != nil {
			callbackErr = err
			cancel()
		}
	}

	switch {
	case callbackErr != nil:
		return nil, callbackErr
	case poolErr != nil:
		return nil, poolErr
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return out, nil
}

// call waits for the limiter, bounds fn by timeout, and reports a cancellation of the pool
// as the pool's own error rather than the derived context's.
func call[Out any](ctx context.Context, lim *rate.Limiter, timeout time.Duration, fn func(context.Context) (Out, error)) (Out, error) {
	var zero Out
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return zero, err
		}
	}
	itemCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := fn(itemCtx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = ctx.Err()
	}
	return out, err
}
