package goroutine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ygrebnov/goroutine/codec"
	"github.com/ygrebnov/goroutine/protocol"
	"github.com/ygrebnov/goroutine/transport"
)

// workerRuntime serves one side of a worker channel: it listens for Call
// Requests, resolves targets, runs them, and ships Call Responses. It also
// emits READY once its handler is installed and a periodic TICK afterwards.
//
// Requests are handled in the serve goroutine, one at a time, so a CPU-bound
// call starves the tick stream, which is exactly the signal the parent's
// blocked-worker detection keys on.
type workerRuntime struct {
	conn transport.Conn
	id   int
	tick time.Duration

	// uid stream and pending table for requests this side initiates.
	uid     atomic.Uint64
	pending *pendingTable
}

func newWorkerRuntime(conn transport.Conn, id int, tick time.Duration) *workerRuntime {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	return &workerRuntime{
		conn:    conn,
		id:      id,
		tick:    tick,
		pending: newPendingTable(),
	}
}

// serve runs the worker loop until ctx is cancelled (exit code 1, the normal
// terminate path for in-process workers) or the parent channel goes away
// (exit code 0).
func (w *workerRuntime) serve(ctx context.Context) int {
	// Handler is installed by entering the loop; announce readiness first.
	if ready, err := protocol.EncodeToken(protocol.TokenReady); err == nil {
		if w.conn.Send(ready) != nil {
			return 0
		}
	}

	tickMsg, _ := protocol.EncodeToken(protocol.TokenTick)
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 1
		case <-ticker.C:
			if w.conn.Send(tickMsg) != nil {
				return 0
			}
		case b, ok := <-w.conn.Messages():
			if !ok {
				return 0
			}
			w.handleMessage(ctx, b)
		}
	}
}

// handleMessage dispatches one channel message. Unknown or malformed
// messages are silently dropped; the worker never crashes on bad input.
func (w *workerRuntime) handleMessage(ctx context.Context, b []byte) {
	switch msg := protocol.Parse(b).(type) {
	case *protocol.Request:
		// Workers answer by registry or source only; the builtin table is a
		// parent-side concern.
		resp := serveRequest(ctx, msg, nil)
		if out, err := protocol.EncodeResponse(resp); err == nil {
			_ = w.conn.Send(out)
		}
	case *protocol.Response:
		settleResponse(w.pending, msg, w.id)
	}
}

// query ships a Call Request to the peer and waits for its response. It runs
// on the serve goroutine (called from inside a handled request), so it keeps
// draining the channel itself, handling interleaved messages as they arrive.
func (w *workerRuntime) query(ctx context.Context, source string) (any, error) {
	uid := w.uid.Add(1)
	p := w.pending.add(uid, 0)
	req := &protocol.Request{UID: uid, Target: source, Sig: signatureOf(source)}
	b, err := protocol.EncodeRequest(req)
	if err != nil {
		w.pending.remove(uid)
		return nil, err
	}
	if err := w.conn.Send(b); err != nil {
		w.pending.remove(uid)
		return nil, err
	}

	for {
		select {
		case o := <-p.ch:
			return o.val, o.err
		case m, ok := <-w.conn.Messages():
			if !ok {
				w.pending.remove(uid)
				return nil, ErrWorkerDied
			}
			w.handleMessage(ctx, m)
		case <-ctx.Done():
			w.pending.remove(uid)
			return nil, ctx.Err()
		}
	}
}

// serveRequest executes one Call Request and builds its Call Response. Both
// sides of the symmetric protocol go through here.
func serveRequest(ctx context.Context, req *protocol.Request, builtins map[string]builtinFunc) *protocol.Response {
	val, err := executeRequest(ctx, req, builtins)
	resp := &protocol.Response{UID: req.UID}

	if err != nil {
		blob, encErr := codec.Encode(err)
		if encErr != nil {
			blob, _ = codec.Encode(codec.NewRemoteError("Error", err.Error(), ""))
		}
		resp.Err = blob
		resp.Result = encodedNil()
		return resp
	}

	blob, encErr := codec.Encode(val)
	if encErr != nil {
		eb, _ := codec.Encode(codec.NewRemoteError("Error", encErr.Error(), ""))
		resp.Err = eb
		resp.Result = encodedNil()
		return resp
	}
	resp.Err = encodedNil()
	resp.Result = blob
	return resp
}

func executeRequest(ctx context.Context, req *protocol.Request, builtins map[string]builtinFunc) (any, error) {
	fn, builtin, err := resolveTarget(req, builtins)
	if err != nil {
		return nil, err
	}
	if builtin != nil {
		return builtin()
	}

	args := make([]any, len(req.Args))
	for i, raw := range req.Args {
		v, err := codec.Decode(raw)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return invoke(ctx, fn, args)
}

// settleResponse resolves a locally pending call from a received response.
func settleResponse(t *pendingTable, resp *protocol.Response, workerID int) {
	val, err := decodeOutcome(resp)
	if err != nil {
		err = newCallTaggedError(err, resp.UID, workerID)
	}
	t.settle(resp.UID, outcome{val: val, err: err})
}

// decodeOutcome splits a Call Response into its value or failure. A non-nil
// decoded error means the call failed; the malformed-registry failure is
// mapped back to its sentinel so callers can match it with errors.Is.
func decodeOutcome(resp *protocol.Response) (any, error) {
	if len(resp.Err) > 0 {
		ev, err := codec.Decode(resp.Err)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			if re, ok := ev.(*codec.RemoteError); ok {
				if re.Message == ErrRegistryMalformed.Error() {
					return nil, ErrRegistryMalformed
				}
				return nil, re
			}
			return nil, fmt.Errorf("%s: call failed: %v", Namespace, ev)
		}
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	return codec.Decode(resp.Result)
}

func encodedNil() []byte {
	b, _ := codec.Encode(nil)
	return b
}

func panicError(p any) error {
	return codec.NewRemoteError("Panic", fmt.Sprint(p), string(debug.Stack()))
}
