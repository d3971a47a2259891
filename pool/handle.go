package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ygrebnov/goroutine/transport"
)

// Handle is the pool's view of one live worker: the transport worker plus the
// liveness state the dispatcher selects on.
type Handle struct {
	w  transport.Worker
	id int

	// lastTick holds the unix-nano timestamp of the most recent liveness
	// signal from the worker.
	lastTick atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
}

func newHandle(w transport.Worker, id int) *Handle {
	h := &Handle{w: w, id: id, ready: make(chan struct{})}
	h.touch()
	return h
}

// ID returns the worker's identifier (positive, unique within the pool).
func (h *Handle) ID() int { return h.id }

// LastTick returns the time of the worker's most recent liveness signal.
func (h *Handle) LastTick() time.Time { return time.Unix(0, h.lastTick.Load()) }

// Send ships one encoded message to the worker.
func (h *Handle) Send(b []byte) error { return h.w.Send(b) }

func (h *Handle) touch() { h.lastTick.Store(time.Now().UnixNano()) }

// markReady transitions the handle out of the spawning state. Triggered by
// the worker's first non-TICK message or by the adapter's spawn completion.
func (h *Handle) markReady() { h.readyOnce.Do(func() { close(h.ready) }) }
