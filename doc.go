// Package goroutine offloads function calls to a pool of parallel OS-level
// workers, waits for their results, and reclaims the workers on termination.
//
// Calls identify their target either through the process registry (an
// ordered sequence of callables that main and workers rebuild identically by
// executing the same registration code) or by shipping Go function source
// text that the worker evaluates (losing any closure context). The wire
// carries a registry index plus a 32-bit signature; the receiving side
// verifies that the index still points at the same function and otherwise
// fails with a fixed malformed-registry error.
//
// # Transports
//
// Two adapters are built in. The process adapter (default) re-executes the
// caller's binary as child subprocesses; user code calls Init early in main
// so a worker process takes the worker role:
//
//	func main() {
//		goroutine.Register(sum)
//		if goroutine.Init() {
//			return
//		}
//		_ = goroutine.Start(ctx, goroutine.WithWorkers(4))
//		res, err := goroutine.Call(ctx, sum, 12, 13)
//		...
//	}
//
// The inproc adapter runs workers as goroutines inside the same process,
// which keeps the registry trivially in sync and is what tests use.
//
// # Pool and dispatch
//
// A fixed pool (WithWorkers) spawns eagerly and defaults to round-robin
// dispatch; a dynamic pool (WithWorkerRange) spawns its minimum eagerly,
// grows on demand, and defaults to least-time dispatch: the most recently
// responsive worker wins. Every worker emits a liveness tick each 100ms; a
// worker silent for a second counts as blocked, and a call that would land
// on a blocked worker spawns a fresh one while room remains. Workers that
// exit unexpectedly are replaced with the options frozen at Start. With an
// empty pool, calls run locally and a one-shot advisory warning is emitted.
//
// Role state is process-scoped: IsMain, WorkerID and WorkerData describe the
// process, so in-process workers observe the main process's role.
//
// Cancellation of an in-flight call is not supported; cancelling the Call
// context abandons the call locally without freeing the worker early.
package goroutine
