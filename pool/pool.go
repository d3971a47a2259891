// Package pool holds the live set of workers on the main side: spawn with
// ready-gating, liveness tracking from periodic ticks, replacement of
// unexpectedly exited workers, policy-driven selection, and concurrent
// terminate fan-out.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ygrebnov/goroutine/metrics"
	"github.com/ygrebnov/goroutine/protocol"
	"github.com/ygrebnov/goroutine/transport"
)

// Method selects how the dispatcher picks a worker for a call.
type Method string

const (
	// MethodRoundRobin distributes calls by uid modulo the pool size once the
	// pool has reached its maximum; before that it behaves like least-time.
	MethodRoundRobin Method = "round-robin"
	// MethodLeastTime picks the most recently responsive worker.
	MethodLeastTime Method = "least-time"
)

var (
	// ErrClosed is returned by SpawnOne after TerminateAll.
	ErrClosed = errors.New("pool: closed")
	// ErrSpawnFailed wraps a worker that exited before signalling readiness.
	ErrSpawnFailed = errors.New("pool: worker exited before becoming ready")
)

// Config wires a Pool to its adapter and its owner.
type Config struct {
	Adapter transport.Adapter
	// Entry is the worker entry binary handed to the adapter on every spawn.
	Entry string
	// SpawnConfig produces the frozen per-worker options for a worker id.
	SpawnConfig func(id int) transport.SpawnConfig
	// StaleAfter is the liveness threshold: a worker whose last tick is older
	// is considered blocked.
	StaleAfter time.Duration

	// OnMessage receives every data message (requests and responses) from a
	// pool member. Control tokens are consumed by the pool itself.
	OnMessage func(h *Handle, payload []byte)
	// OnExit fires when a pool member exits. unexpected is true when the exit
	// was not facade-initiated; the pool has already scheduled a replacement.
	OnExit func(h *Handle, status transport.ExitStatus, unexpected bool)
	// OnReplaceError fires when a replacement spawn fails; the pool does not
	// retry.
	OnReplaceError func(err error)

	Metrics metrics.Provider
}

// Pool owns the ordered sequence of worker handles. All exported methods are
// safe for concurrent use.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	handles []*Handle
	closed  bool

	// watcherWG tracks per-member exit watchers so TerminateAll can wait for
	// membership and pending-call cleanup to finish.
	watcherWG sync.WaitGroup

	nextID atomic.Int64

	spawned  metrics.Counter
	replaced metrics.Counter
	ticks    metrics.Counter
}

// New builds an empty pool. Workers are added with SpawnOne.
func New(cfg Config) *Pool {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopProvider()
	}
	return &Pool{
		cfg:      cfg,
		spawned:  cfg.Metrics.Counter("goroutine.workers.spawned"),
		replaced: cfg.Metrics.Counter("goroutine.workers.replaced"),
		ticks:    cfg.Metrics.Counter("goroutine.ticks"),
	}
}

// Len returns the current pool size.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Snapshot returns the current members in pool order.
func (p *Pool) Snapshot() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Handle, len(p.handles))
	copy(out, p.handles)
	return out
}

// SpawnOne spawns a single worker with the frozen options, waits until it is
// ready, and adds it to the pool. A worker that exits while still spawning is
// a failed start: no replacement, the error is returned.
func (p *Pool) SpawnOne(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	id := int(p.nextID.Add(1))
	w, err := p.cfg.Adapter.Spawn(ctx, p.cfg.Entry, p.cfg.SpawnConfig(id))
	if err != nil {
		return nil, err
	}

	h := newHandle(w, id)
	go p.readLoop(h)

	select {
	case <-h.ready:
	case <-w.Done():
		return nil, fmt.Errorf("%w: worker %d, status %+v", ErrSpawnFailed, id, w.Status())
	case <-ctx.Done():
		_ = w.Terminate(context.Background())
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = w.Terminate(context.Background())
		return nil, ErrClosed
	}
	p.handles = append(p.handles, h)
	p.mu.Unlock()

	p.spawned.Add(1)
	p.watcherWG.Add(1)
	go func() {
		defer p.watcherWG.Done()
		p.watchExit(h)
	}()
	return h, nil
}

// readLoop consumes the worker's message stream. Control tokens feed the
// liveness state; everything else goes to the owner.
func (p *Pool) readLoop(h *Handle) {
	for b := range h.w.Messages() {
		switch msg := protocol.Parse(b); msg {
		case protocol.TokenTick:
			h.touch()
			p.ticks.Add(1)
		case protocol.TokenReady:
			h.touch()
			h.markReady()
		case nil:
			// Out-of-band framing; dropped.
		default:
			h.markReady()
			if p.cfg.OnMessage != nil {
				p.cfg.OnMessage(h, b)
			}
		}
	}
}

func (p *Pool) watchExit(h *Handle) {
	<-h.w.Done()
	status := h.w.Status()

	p.mu.Lock()
	wasMember := p.remove(h)
	closed := p.closed
	p.mu.Unlock()
	if !wasMember {
		return
	}

	unexpected := !closed && !p.cfg.Adapter.NormalExit(status)
	if unexpected {
		p.replaced.Add(1)
		go p.replace()
	}
	if p.cfg.OnExit != nil {
		p.cfg.OnExit(h, status, unexpected)
	}
}

// replace spawns a substitute for an unexpectedly dead member using the same
// frozen options.
func (p *Pool) replace() {
	if _, err := p.SpawnOne(context.Background()); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		if p.cfg.OnReplaceError != nil {
			p.cfg.OnReplaceError(err)
		}
	}
}

// remove drops h from the member list. Caller holds p.mu.
func (p *Pool) remove(h *Handle) bool {
	for i, m := range p.handles {
		if m == h {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			return true
		}
	}
	return false
}

// Stale reports whether the worker's last tick is older than the liveness
// threshold.
func (p *Pool) Stale(h *Handle) bool {
	return time.Since(h.LastTick()) >= p.cfg.StaleAfter
}

// Select picks a worker for the call with the given uid.
//
// Round-robin applies only once the pool has grown to max; before that, and
// always under least-time, the most recently responsive worker wins. Returns
// nil on an empty pool.
func (p *Pool) Select(uid uint64, method Method, max int) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.handles)
	if n == 0 {
		return nil
	}
	if method == MethodRoundRobin && n >= max {
		return p.handles[uid%uint64(n)]
	}
	best := p.handles[0]
	for _, h := range p.handles[1:] {
		if h.lastTick.Load() > best.lastTick.Load() {
			best = h
		}
	}
	return best
}

// TerminateAll shuts down every member concurrently and waits for all exit
// events. The pool refuses further spawns afterwards.
func (p *Pool) TerminateAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	members := make([]*Handle, len(p.handles))
	copy(members, p.handles)
	p.mu.Unlock()

	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for i, h := range members {
		wg.Add(1)
		go func(i int, h *Handle) {
			defer wg.Done()
			errs[i] = h.w.Terminate(ctx)
		}(i, h)
	}
	wg.Wait()
	// Exit watchers prune membership and reject owned pending calls; wait for
	// them so the pool reads empty once termination returns.
	p.watcherWG.Wait()
	return errors.Join(errs...)
}
