package handler

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Outcome is one item's result from Fanout, in the item's original input
// position.
type Outcome[R any] struct {
	Index int
	Value R
	Err   error
}

// Fanout processes items with at most concurrencyLimit in flight, preserving
// input order in the returned slice regardless of completion order. A
// per-item error does not abort the batch — it surfaces as that item's
// Outcome.Err, matching the partial-failure semantics handlers are required
// to expose (spec S5). If ctx is canceled mid-flight, items not yet started
// carry ctx.Err() as their error; items already completed are retained.
func Fanout[T, R any](ctx context.Context, items []T, concurrencyLimit int, fn func(ctx context.Context, item T) (R, error)) []Outcome[R] {
	outcomes := make([]Outcome[R], len(items))
	if len(items) == 0 {
		return outcomes
	}
	if concurrencyLimit <= 0 {
		concurrencyLimit = len(items)
	}

	sem := semaphore.NewWeighted(int64(concurrencyLimit))
	done := make(chan int, len(items))

	for i, item := range items {
		outcomes[i].Index = i

		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i].Err = err
			done <- i
			continue
		}

		go func(i int, item T) {
			defer sem.Release(1)
			v, err := fn(ctx, item)
			outcomes[i].Value = v
			outcomes[i].Err = err
			done <- i
		}(i, item)
	}

	for range items {
		<-done
	}
	return outcomes
}
