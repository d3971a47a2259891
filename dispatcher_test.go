package goroutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/goroutine/protocol"
	"github.com/ygrebnov/goroutine/transport"
)

// quietRun is a worker runtime that answers requests but never ticks, so its
// handle goes stale the moment StaleAfter elapses.
func quietRun(ctx context.Context, conn transport.Conn, _ int, _ []byte) int {
	ready, _ := protocol.EncodeToken(protocol.TokenReady)
	if conn.Send(ready) != nil {
		return 0
	}
	for {
		select {
		case <-ctx.Done():
			return 1
		case b, ok := <-conn.Messages():
			if !ok {
				return 0
			}
			if req, isReq := protocol.Parse(b).(*protocol.Request); isReq {
				resp := serveRequest(ctx, req, nil)
				if out, err := protocol.EncodeResponse(resp); err == nil {
					_ = conn.Send(out)
				}
			}
		}
	}
}

// dyingRun answers requests like quietRun but also ticks every 20ms; when it
// receives a request whose source target is "die" it exits with a non-normal
// code.
func dyingRun(ctx context.Context, conn transport.Conn, id int, data []byte) int {
	ready, _ := protocol.EncodeToken(protocol.TokenReady)
	if conn.Send(ready) != nil {
		return 0
	}
	tickMsg, _ := protocol.EncodeToken(protocol.TokenTick)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 1
		case <-ticker.C:
			if conn.Send(tickMsg) != nil {
				return 0
			}
		case b, ok := <-conn.Messages():
			if !ok {
				return 0
			}
			req, isReq := protocol.Parse(b).(*protocol.Request)
			if !isReq {
				continue
			}
			if src, isSrc := req.Source(); isSrc && src == "die" {
				return 7
			}
			resp := serveRequest(ctx, req, nil)
			if out, err := protocol.EncodeResponse(resp); err == nil {
				_ = conn.Send(out)
			}
		}
	}
}

func TestDispatch_StaleWorkerProvokesScaleUp(t *testing.T) {
	r, err := New(
		WithTransport(transport.NewInproc(quietRun)),
		WithWorkerRange(1, 2),
		WithStaleAfter(30*time.Millisecond),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Terminate(ctx) })

	require.Equal(t, 1, r.Workers())

	// Let the single worker go stale, then call: dispatch must spawn a fresh
	// worker and use it.
	time.Sleep(60 * time.Millisecond)
	res, err := r.Call(ctx, "func() int { return 5 }")
	require.NoError(t, err)
	require.EqualValues(t, 5, res)
	require.Equal(t, 2, r.Workers())
}

func TestDispatch_StaleAtMaxStillServes(t *testing.T) {
	r, err := New(
		WithTransport(transport.NewInproc(quietRun)),
		WithWorkers(1),
		WithStaleAfter(30*time.Millisecond),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Terminate(ctx) })

	time.Sleep(60 * time.Millisecond)

	// At max there is no room to scale; the stale worker is used as-is.
	res, err := r.Call(ctx, "func() int { return 6 }")
	require.NoError(t, err)
	require.EqualValues(t, 6, res)
	require.Equal(t, 1, r.Workers())
}

func TestRecovery_UnexpectedDeathRejectsAndReplaces(t *testing.T) {
	r, err := New(
		WithTransport(transport.NewInproc(dyingRun)),
		WithWorkers(1),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Terminate(ctx) })

	// The poison call's worker dies before responding: the pending call must
	// reject with a transport failure, not hang.
	_, err = r.Call(ctx, "die")
	require.ErrorIs(t, err, ErrWorkerDied)

	id, ok := ExtractCallWorkerID(err)
	require.True(t, ok)
	require.Equal(t, 1, id)

	// The pool replaces the dead worker and keeps serving.
	require.Eventually(t, func() bool { return r.Workers() == 1 }, 5*time.Second, 10*time.Millisecond)

	res, err := r.Call(ctx, "func() int { return 8 }")
	require.NoError(t, err)
	require.EqualValues(t, 8, res)
}
