package core

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers leaves one processor to the aggregator.
func DefaultWorkers() int {
	return max(1, runtime.NumCPU()-1)
}

// lookaheadPerWorker bounds how far dispatch may run past the oldest
// uncollected task, in multiples of the worker count.
const lookaheadPerWorker = 2

type taskFunc[T any] func(ctx context.Context) (T, error)

type taskResult[T any] struct {
	index int
	value T
}

// schedule runs tasks on at most workers goroutines and hands every result
// to collect on the calling goroutine. Results are released in submission
// order: a result that completes early waits at the gate until all earlier
// tasks have been collected, so what collect sees does not depend on
// completion order.
//
// Dispatch never runs more than lookaheadPerWorker*workers tasks ahead of
// the next result to collect, so a slow early task holds back at most that
// many finished results rather than the rest of the run.
//
// The first task error or collect error cancels the remaining tasks and is
// returned; results released before it stay collected.
func schedule[T any](ctx context.Context, workers int, tasks []taskFunc[T], collect func(index int, value T) error) error {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(workers)

	results := make(chan taskResult[T])
	ahead := make(chan struct{}, lookaheadPerWorker*workers)
	var waitErr error
	go func() {
	dispatch:
		for i, task := range tasks {
			select {
			case ahead <- struct{}{}:
			case <-gctx.Done():
				break dispatch
			}
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				v, err := task(gctx)
				if err != nil {
					return err
				}
				select {
				case results <- taskResult[T]{index: i, value: v}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		waitErr = g.Wait()
		close(results)
	}()

	held := make(map[int]T)
	next := 0
	var collectErr error
	for r := range results {
		if collectErr != nil {
			continue
		}
		held[r.index] = r.value
		for collectErr == nil {
			v, ok := held[next]
			if !ok {
				break
			}
			delete(held, next)
			if err := collect(next, v); err != nil {
				collectErr = err
				cancel()
			}
			<-ahead
			next++
		}
	}

	switch {
	case collectErr != nil:
		return collectErr
	case waitErr != nil:
		return waitErr
	case next < len(tasks):
		return ctx.Err()
	}
	return nil
}
