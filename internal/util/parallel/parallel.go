// Package parallel provides a small bounded-concurrency fan-out helper,
// a cut-down worker-pool pattern for a case that needs neither a
// persistent queue nor task metrics:
// running a fixed batch of independent jobs with at most K in flight.
package parallel

import "context"

// Map runs fn over items with at most k goroutines in flight and
// returns results in input order. It blocks until every item has been
// processed or ctx is cancelled, in which case the remaining slots are
// filled with the zero value of R.
func Map[T any, R any](ctx context.Context, k int, items []T, fn func(context.Context, T) R) []R {
	if k <= 0 {
		k = 1
	}
	results := make([]R, len(items))
	sem := make(chan struct{}, k)
	done := make(chan int, len(items))

	for i, item := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			done <- -1
			continue
		}
		go func(i int, item T) {
			defer func() { <-sem }()
			results[i] = fn(ctx, item)
			done <- i
		}(i, item)
	}

	for range items {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return results
}
