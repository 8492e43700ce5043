package discovery

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	"okufs/internal/metrics"
)

var errNoCandidates = errors.New("no candidates")

// outcome is one attempt's result.
type outcome[T any] struct {
	val T
	err error
}

// race runs attempt for every index in [0, n) concurrently and returns the
// first success. The context passed to the other attempts is cancelled when a
// winner is found; attempts that ignore it still run to completion and their
// results are drained and discarded. When every attempt fails the errors are
// combined.
func race[T any](ctx context.Context, n int, attempt func(ctx context.Context, i int) (T, error), discarded func()) (T, error) {
	var zero T
	if n == 0 {
		return zero, errNoCandidates
	}

	ctx, cancel := context.WithCancel(ctx)

	results := make(chan outcome[T], n)
	for i := range n {
		go func() {
			v, err := attempt(ctx, i)
			results <- outcome[T]{val: v, err: err}
		}()
	}

	var errs error
	for received := 1; received <= n; received++ {
		r := <-results
		if r.err != nil {
			errs = multierr.Append(errs, r.err)
			continue
		}

		cancel()

		go drain(results, n-received, discarded)

		return r.val, nil
	}

	cancel()

	return zero, errs
}

// drain receives the remaining results of a won race.
func drain[T any](results <-chan outcome[T], remaining int, discarded func()) {
	for range remaining {
		<-results
		metrics.RaceDiscarded.Inc()
		if discarded != nil {
			discarded()
		}
	}
}
