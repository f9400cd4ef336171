package workerpool

import (
	"context"
	"sync"
)

// ParallelForEach runs fn over every element of items using at most
// workers concurrent goroutines (the calling pool's size, typically),
// and returns the first error encountered, if any, after all started
// goroutines have finished.
func ParallelForEach[T any](ctx context.Context, items []T, workers int, fn func(ctx context.Context, item T) error) error {
	if len(items) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = DefaultSize
	}
	if workers > len(items) {
		workers = len(items)
	}

	workChan := make(chan T, len(items))
	errChan := make(chan error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workChan {
				select {
				case <-ctx.Done():
					errChan <- ctx.Err()
					return
				default:
				}
				if err := fn(ctx, item); err != nil {
					errChan <- err
					return
				}
			}
		}()
	}

	for _, item := range items {
		workChan <- item
	}
	close(workChan)

	wg.Wait()
	close(errChan)

	for err := range errChan {
		if err != nil {
			return err
		}
	}
	return nil
}

// ParallelForEach is also exposed as a method on Pool so callers that
// already hold a Pool reference can bound concurrency to its size
// without re-specifying it.
func (p *Pool) ParallelForEach(ctx context.Context, items []any, fn func(ctx context.Context, item any) error) error {
	return ParallelForEach(ctx, items, p.size, fn)
}
