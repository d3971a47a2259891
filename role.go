package goroutine

import (
	"context"
	"os"

	"github.com/ygrebnov/goroutine/codec"
	"github.com/ygrebnov/goroutine/transport"
)

// Process role state, fixed by Init before any user code consults it.
var (
	roleIsWorker   bool
	roleWorkerID   int
	roleWorkerData any

	// processWorkerRuntime is the serving runtime inside a worker process,
	// used by Workers to query the parent.
	processWorkerRuntime *workerRuntime
)

// Init detects whether this process was spawned as a worker. In a worker it
// rewrites os.Args to the original program arguments, connects back to the
// parent, serves calls until terminated, and returns true; the caller should
// simply return from main. On the main side it returns false immediately.
//
// Call Init early in main, after registering functions:
//
//	func main() {
//		goroutine.Register(sum)
//		if goroutine.Init() {
//			return
//		}
//		// main-side code
//	}
func Init() bool {
	if !transport.IsWorkerProcess(os.Args[1:]) {
		return false
	}
	info, _ := transport.ParseWorkerArgs(os.Args[1:])

	roleIsWorker = true
	roleWorkerID = info.ID
	// User code inside the worker observes the same startup arguments as the
	// main side.
	os.Args = append(os.Args[:1], info.Argv...)

	if info.WorkerData != nil {
		if v, err := codec.Decode(info.WorkerData); err == nil {
			roleWorkerData = v
		}
	}

	conn, err := transport.OpenParentConn()
	if err != nil {
		return true
	}
	defer conn.Close()

	processRegistry.collect()
	rt := newWorkerRuntime(conn, info.ID, 0)
	processWorkerRuntime = rt
	_ = rt.serve(context.Background())
	return true
}

// IsMain reports whether this process is the main side. Worker processes
// report false; in-process workers share the main process's role.
func IsMain() bool { return !roleIsWorker }

// WorkerID returns this process's worker identifier: 0 on the main side, a
// positive integer in each worker process.
func WorkerID() int { return roleWorkerID }

// WorkerData returns the decoded workerData delivered at spawn, or nil on
// the main side.
func WorkerData() any { return roleWorkerData }
