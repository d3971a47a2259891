package goroutine

import (
	"context"
	"errors"
	"sync"
)

// Map offloads target once per input, concurrently across the pool, and
// returns results aligned with the inputs. Failures are joined into the
// returned error; successful slots keep their values.
func (r *Runtime) Map(ctx context.Context, target any, inputs []any) ([]any, error) {
	results := make([]any, len(inputs))
	errs := make([]error, len(inputs))

	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in any) {
			defer wg.Done()
			results[i], errs[i] = r.Call(ctx, target, in)
		}(i, in)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

// ForEach offloads target once per input, concurrently across the pool,
// discarding results. Failures are joined into the returned error.
func (r *Runtime) ForEach(ctx context.Context, target any, inputs []any) error {
	errs := make([]error, len(inputs))

	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in any) {
			defer wg.Done()
			_, errs[i] = r.Call(ctx, target, in)
		}(i, in)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Map runs Map on the default runtime.
func Map(ctx context.Context, target any, inputs []any) ([]any, error) {
	rt := stdRuntime()
	if rt == nil {
		return nil, ErrNotStarted
	}
	return rt.Map(ctx, target, inputs)
}

// ForEach runs ForEach on the default runtime.
func ForEach(ctx context.Context, target any, inputs []any) error {
	rt := stdRuntime()
	if rt == nil {
		return ErrNotStarted
	}
	return rt.ForEach(ctx, target, inputs)
}
