package goroutine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/ygrebnov/errorc"

	"github.com/ygrebnov/goroutine/codec"
	"github.com/ygrebnov/goroutine/metrics"
	"github.com/ygrebnov/goroutine/pool"
	"github.com/ygrebnov/goroutine/protocol"
	"github.com/ygrebnov/goroutine/transport"
)

// workersQuery is the reserved source literal a worker ships to ask the main
// side for its pool length. The parent resolves it from the builtin table
// rather than the interpreter, since a shipped literal cannot close over the
// pool.
const workersQuery = "workers()"

// Runtime owns a pool of parallel workers and offloads calls to them. All
// exported methods are safe for concurrent use; Start, Call and Terminate are
// main-side operations.
type Runtime struct {
	// noCopy prevents accidental copying of the controller.
	//go:nocopy
	nc noCopy

	config *config
	method Method

	mu         sync.Mutex
	started    bool
	terminated bool
	pool       *pool.Pool

	pending  *pendingTable
	sink     *errorSink
	builtins map[string]builtinFunc

	warnOnce sync.Once

	calls      metrics.Counter
	localCalls metrics.Counter
	inflight   metrics.UpDownCounter
	callDur    metrics.Histogram
}

// noCopy is a vet-recognized marker to discourage copying types with this
// field embedded. It works with the "-copylocks" analyzer via the presence of
// Lock/Unlock methods.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// New creates a Runtime using functional options. The pool stays empty until
// Start.
func New(opts ...Option) (*Runtime, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	r := &Runtime{
		config:  &cfg,
		method:  cfg.deriveMethod(),
		pending: newPendingTable(),
		sink:    newErrorSink(64, 128),

		calls:      cfg.Metrics.Counter("goroutine.calls"),
		localCalls: cfg.Metrics.Counter("goroutine.calls.local"),
		inflight:   cfg.Metrics.UpDownCounter("goroutine.calls.inflight"),
		callDur: cfg.Metrics.Histogram("goroutine.call.duration",
			metrics.WithUnit("seconds")),
	}
	r.builtins = map[string]builtinFunc{
		workersQuery: func() (any, error) { return int64(r.poolLen()), nil },
	}
	return r, nil
}

// Start populates the pool with the configured minimum of workers and waits
// until they are ready. Main side only.
func (r *Runtime) Start(ctx context.Context) error {
	if !IsMain() {
		return ErrMainOnly
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}

	p, err := r.buildPool()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.pool = p
	r.started = true
	r.mu.Unlock()

	processRegistry.collect()

	// Eager spawn of the minimum; a fixed pool's minimum is its full size.
	var wg sync.WaitGroup
	errs := make([]error, r.config.MinWorkers)
	for i := 0; i < r.config.MinWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.SpawnOne(ctx)
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Runtime) buildPool() (*pool.Pool, error) {
	cfg := r.config

	adapter := cfg.CustomAdapter
	entry := ""
	if adapter == nil {
		switch cfg.AdapterKind {
		case AdapterInproc:
			adapter = transport.NewInproc(r.runInprocWorker)
		default:
			var err error
			entry, err = resolveEntry(cfg.Filename)
			if err != nil {
				return nil, err
			}
			adapter = transport.Process{}
		}
	}

	var dataBlob []byte
	if cfg.WorkerData != nil {
		b, err := codec.Encode(cfg.WorkerData)
		if err != nil {
			return nil, err
		}
		dataBlob = b
	}

	argv := append([]string(nil), os.Args[1:]...)
	spawnCfg := func(id int) transport.SpawnConfig {
		return transport.SpawnConfig{
			ID:         id,
			Argv:       argv,
			ExecArgs:   cfg.ExecArgs,
			WorkerData: dataBlob,
			Stdin:      cfg.Stdin,
			Stdout:     cfg.Stdout,
			Stderr:     cfg.Stderr,
		}
	}

	return pool.New(pool.Config{
		Adapter:        adapter,
		Entry:          entry,
		SpawnConfig:    spawnCfg,
		StaleAfter:     cfg.StaleAfter,
		OnMessage:      r.onWorkerMessage,
		OnExit:         r.onWorkerExit,
		OnReplaceError: r.sink.publish,
		Metrics:        cfg.Metrics,
	}), nil
}

// runInprocWorker is the worker runtime entry for the inproc adapter.
func (r *Runtime) runInprocWorker(ctx context.Context, conn transport.Conn, id int, _ []byte) int {
	processRegistry.collect()
	return newWorkerRuntime(conn, id, r.config.TickInterval).serve(ctx)
}

// Call offloads target to a pool worker and returns its decoded result.
//
// target is either a function (registered, or registered implicitly by this
// call) or Go function source text evaluated on the worker. With an empty
// pool the call runs locally and a one-shot advisory warning is emitted.
// Main side only.
func (r *Runtime) Call(ctx context.Context, target any, args ...any) (any, error) {
	if !IsMain() {
		return nil, ErrMainOnly
	}
	if !r.isStarted() {
		return nil, ErrNotStarted
	}

	wireTarget, sig, local, err := prepareTarget(target)
	if err != nil {
		return nil, err
	}

	r.calls.Add(1)
	r.inflight.Add(1)
	start := time.Now()
	defer func() {
		r.inflight.Add(-1)
		r.callDur.Record(time.Since(start).Seconds())
	}()

	uid := nextUID()
	h := r.dispatch(ctx, uid)
	if h == nil {
		// Pool is empty; serve the call locally.
		r.warnOnce.Do(func() {
			r.config.Warn(Namespace + ": worker pool is empty, call is executed locally")
		})
		r.localCalls.Add(1)
		return local(ctx, args)
	}

	encArgs, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.EncodeRequest(&protocol.Request{
		UID:    uid,
		Target: wireTarget,
		Sig:    sig,
		Args:   encArgs,
	})
	if err != nil {
		return nil, err
	}

	p := r.pending.add(uid, h.ID())
	if err := h.Send(frame); err != nil {
		r.pending.remove(uid)
		return nil, newCallTaggedError(
			errorc.With(ErrWorkerDied, errorc.String("worker", strconv.Itoa(h.ID()))),
			uid, h.ID())
	}

	select {
	case o := <-p.ch:
		return o.val, o.err
	case <-ctx.Done():
		// No cancellation on the wire; the call is abandoned locally.
		r.pending.remove(uid)
		return nil, ctx.Err()
	}
}

// CallAsync starts the call and returns a Future that settles with its
// outcome.
func (r *Runtime) CallAsync(ctx context.Context, target any, args ...any) *Future {
	f := newFuture()
	go func() {
		f.settle(r.Call(ctx, target, args...))
	}()
	return f
}

// prepareTarget validates and lowers a call target: the wire form, its
// signature, and a local executor for the empty-pool fallback.
func prepareTarget(target any) (wire any, sig uint32, local func(context.Context, []any) (any, error), err error) {
	switch t := target.(type) {
	case string:
		if err := rejectSourceClass(t); err != nil {
			return nil, 0, nil, err
		}
		local = func(ctx context.Context, args []any) (any, error) {
			fn, err := evalSource(t)
			if err != nil {
				return nil, err
			}
			return invoke(ctx, fn, args)
		}
		return t, signatureOf(t), local, nil

	default:
		v := reflect.ValueOf(target)
		if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
			return nil, 0, nil, errorc.With(ErrNotFunction,
				errorc.String("kind", reflect.ValueOf(target).Kind().String()))
		}
		idx, sg := processRegistry.indexOf(v)
		local = func(ctx context.Context, args []any) (any, error) {
			return invoke(ctx, v, args)
		}
		return int64(idx), sg, local, nil
	}
}

func encodeArgs(args []any) ([]protocol.Raw, error) {
	out := make([]protocol.Raw, len(args))
	for i, a := range args {
		b, err := codec.Encode(a)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// dispatch selects the worker for a call, scaling the pool when the chosen
// worker looks blocked and room remains. Returns nil on an empty pool.
func (r *Runtime) dispatch(ctx context.Context, uid uint64) *pool.Handle {
	p := r.currentPool()
	if p == nil || p.Len() == 0 {
		return nil
	}
	h := p.Select(uid, r.method, r.config.MaxWorkers)
	if h == nil {
		return nil
	}
	if p.Stale(h) && p.Len() < r.config.MaxWorkers {
		if nh, err := p.SpawnOne(ctx); err == nil {
			return nh
		}
	}
	return h
}

// onWorkerMessage handles data messages from pool members: responses settle
// pending calls; requests make the protocol symmetric, the parent serving
// them exactly like a worker would.
func (r *Runtime) onWorkerMessage(h *pool.Handle, b []byte) {
	switch msg := protocol.Parse(b).(type) {
	case *protocol.Response:
		settleResponse(r.pending, msg, h.ID())
	case *protocol.Request:
		go func() {
			resp := serveRequest(context.Background(), msg, r.builtins)
			if out, err := protocol.EncodeResponse(resp); err == nil {
				_ = h.Send(out)
			}
		}()
	}
}

// onWorkerExit rejects every pending call the dead worker owned. The pool has
// already scheduled a replacement when the exit was unexpected.
func (r *Runtime) onWorkerExit(h *pool.Handle, status transport.ExitStatus, unexpected bool) {
	err := errorc.With(ErrWorkerDied,
		errorc.String("worker", strconv.Itoa(h.ID())))
	r.pending.failWorker(h.ID(), err)
	if unexpected {
		r.sink.publish(errorc.With(ErrWorkerDied,
			errorc.String("worker "+strconv.Itoa(h.ID()), exitStatusText(status))))
	}
}

func exitStatusText(s transport.ExitStatus) string {
	if s.Signal != "" {
		return s.Signal
	}
	return "code " + strconv.Itoa(s.Code)
}

// Terminate drains the pool, terminating every member concurrently and
// waiting for all exits. The runtime stays usable afterwards: calls fall back
// to local execution. Main side only.
func (r *Runtime) Terminate(ctx context.Context) error {
	if !IsMain() {
		return ErrMainOnly
	}
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	p := r.pool
	r.terminated = true
	r.mu.Unlock()

	err := p.TerminateAll(ctx)
	r.sink.close()
	return err
}

// Workers returns the current pool length.
func (r *Runtime) Workers() int { return r.poolLen() }

// Errors exposes background faults that are not scoped to any single call,
// such as failed replacement spawns. Faults are dropped rather than ever
// blocking the runtime when the receiver falls behind.
func (r *Runtime) Errors() <-chan error { return r.sink.channel() }

func (r *Runtime) isStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *Runtime) currentPool() *pool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool
}

func (r *Runtime) poolLen() int {
	if p := r.currentPool(); p != nil {
		return p.Len()
	}
	return 0
}

// Package-level facade over a process-wide default Runtime.

var std struct {
	mu sync.Mutex
	rt *Runtime
}

// Start creates and starts the process-wide default runtime. Main side only.
func Start(ctx context.Context, opts ...Option) error {
	std.mu.Lock()
	if std.rt != nil && !std.rt.terminatedState() {
		std.mu.Unlock()
		return ErrAlreadyStarted
	}
	rt, err := New(opts...)
	if err != nil {
		std.mu.Unlock()
		return err
	}
	std.rt = rt
	std.mu.Unlock()

	if err := rt.Start(ctx); err != nil {
		std.mu.Lock()
		if std.rt == rt {
			std.rt = nil
		}
		std.mu.Unlock()
		return err
	}
	return nil
}

func (r *Runtime) terminatedState() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

func stdRuntime() *Runtime {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.rt
}

// Call offloads target through the default runtime. Main side only.
func Call(ctx context.Context, target any, args ...any) (any, error) {
	rt := stdRuntime()
	if rt == nil {
		return nil, ErrNotStarted
	}
	return rt.Call(ctx, target, args...)
}

// CallAsync starts a call through the default runtime.
func CallAsync(ctx context.Context, target any, args ...any) *Future {
	rt := stdRuntime()
	if rt == nil {
		f := newFuture()
		f.settle(nil, ErrNotStarted)
		return f
	}
	return rt.CallAsync(ctx, target, args...)
}

// Terminate drains the default runtime's pool. Main side only.
func Terminate(ctx context.Context) error {
	rt := stdRuntime()
	if rt == nil {
		return ErrNotStarted
	}
	return rt.Terminate(ctx)
}

// Workers returns the pool length on the main side. Inside a worker process
// it round-trips a query to the parent.
func Workers(ctx context.Context) (int, error) {
	if !IsMain() {
		rt := processWorkerRuntime
		if rt == nil {
			return 0, ErrNotStarted
		}
		v, err := rt.query(ctx, workersQuery)
		if err != nil {
			return 0, err
		}
		switch n := v.(type) {
		case int64:
			return int(n), nil
		case uint64:
			return int(n), nil
		}
		return 0, fmt.Errorf("%s: unexpected workers reply %T", Namespace, v)
	}
	rt := stdRuntime()
	if rt == nil {
		return 0, nil
	}
	return rt.Workers(), nil
}

// Errors exposes the default runtime's background faults channel.
func Errors() <-chan error {
	rt := stdRuntime()
	if rt == nil {
		return nil
	}
	return rt.Errors()
}
