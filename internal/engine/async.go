package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const DefaultBatchConcurrency = 4

type AsyncResult struct {
	Result Result
	Err    error
}

// QueryAsync runs Query on its own goroutine. The returned channel delivers
// exactly one value and is then closed.
func (e *Engine) QueryAsync(ctx context.Context, ref Reference, opts Options) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		defer close(out)
		result, err := e.Query(ctx, ref, opts)
		out <- AsyncResult{Result: result, Err: err}
	}()
	return out
}

type BatchRequest struct {
	Reference Reference
	Options   Options
}

// BatchOutcome is the result of the request at the same index.
type BatchOutcome struct {
	Result Result
	Err    error
}

// QueryBatch runs independent queries with at most concurrency in flight.
// Per-request failures are reported in the outcomes; the returned error is
// only set when ctx ends before every request has started.
func (e *Engine) QueryBatch(ctx context.Context, requests []BatchRequest, concurrency int) ([]BatchOutcome, error) {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	outcomes := make([]BatchOutcome, len(requests))

	var group errgroup.Group
	group.SetLimit(concurrency)
	for i, request := range requests {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(requests); j++ {
				outcomes[j].Err = err
			}
			_ = group.Wait()
			return outcomes, err
		}
		group.Go(func() error {
			result, err := e.Query(ctx, request.Reference, request.Options)
			outcomes[i] = BatchOutcome{Result: result, Err: err}
			return nil
		})
	}
	_ = group.Wait()
	return outcomes, nil
}
