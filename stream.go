package goroutine

import (
	"context"
	"sync"
)

// StreamResult is one settled element of a MapStream.
type StreamResult struct {
	// Index is the element's position in the input stream.
	Index int
	Value any
	Err   error
}

// MapStream offloads target for every value received on in and delivers
// settled results on the returned channel in input order. Calls run
// concurrently across the pool; delivery buffers completed elements until
// their predecessors settle. The output channel closes after the input
// channel closes and every element has been delivered, or when ctx is done.
func (r *Runtime) MapStream(ctx context.Context, target any, in <-chan any) <-chan StreamResult {
	out := make(chan StreamResult)
	events := make(chan StreamResult)

	// Fan out one call per input element.
	go func() {
		var wg sync.WaitGroup
		index := 0
		for {
			select {
			case <-ctx.Done():
				wg.Wait()
				close(events)
				return
			case v, ok := <-in:
				if !ok {
					wg.Wait()
					close(events)
					return
				}
				wg.Add(1)
				go func(i int, v any) {
					defer wg.Done()
					val, err := r.Call(ctx, target, v)
					select {
					case events <- StreamResult{Index: i, Value: val, Err: err}:
					case <-ctx.Done():
					}
				}(index, v)
				index++
			}
		}
	}()

	// Reorder completions into input order before delivery.
	go func() {
		defer close(out)
		buffered := make(map[int]StreamResult)
		next := 0
		for ev := range events {
			buffered[ev.Index] = ev
			for {
				res, ok := buffered[next]
				if !ok {
					break
				}
				delete(buffered, next)
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
				next++
			}
		}
	}()

	return out
}

// MapStream runs MapStream on the default runtime. A nil channel is returned
// when the runtime has not been started.
func MapStream(ctx context.Context, target any, in <-chan any) <-chan StreamResult {
	rt := stdRuntime()
	if rt == nil {
		return nil
	}
	return rt.MapStream(ctx, target, in)
}
