package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/goroutine/protocol"
	"github.com/ygrebnov/goroutine/transport"
)

// fakeAdapter spawns inert workers whose lifecycle the test drives by hand.
// Exit code 0 counts as a normal exit.
type fakeAdapter struct {
	mu      sync.Mutex
	workers []*fakeWorker
	// silent workers do not announce READY on spawn.
	silent bool
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) NormalExit(s transport.ExitStatus) bool { return s.Code == 0 }

func (a *fakeAdapter) Spawn(_ context.Context, _ string, cfg transport.SpawnConfig) (transport.Worker, error) {
	w := &fakeWorker{
		id:   cfg.ID,
		msgs: make(chan []byte, 16),
		done: make(chan struct{}),
	}
	a.mu.Lock()
	a.workers = append(a.workers, w)
	a.mu.Unlock()
	if !a.silent {
		w.push(mustToken(protocol.TokenReady))
	}
	return w, nil
}

func (a *fakeAdapter) spawned() []*fakeWorker {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*fakeWorker, len(a.workers))
	copy(out, a.workers)
	return out
}

type fakeWorker struct {
	id int

	sentMu sync.Mutex
	sent   [][]byte

	msgs chan []byte

	exitOnce sync.Once
	done     chan struct{}
	status   transport.ExitStatus
}

func (w *fakeWorker) ID() int { return w.id }

func (w *fakeWorker) Send(b []byte) error {
	select {
	case <-w.done:
		return transport.ErrClosed
	default:
	}
	w.sentMu.Lock()
	w.sent = append(w.sent, b)
	w.sentMu.Unlock()
	return nil
}

func (w *fakeWorker) Messages() <-chan []byte { return w.msgs }

func (w *fakeWorker) Done() <-chan struct{} { return w.done }

func (w *fakeWorker) Status() transport.ExitStatus { return w.status }

func (w *fakeWorker) Terminate(_ context.Context) error {
	w.exit(0)
	return nil
}

// push delivers a message from the fake worker to the pool.
func (w *fakeWorker) push(b []byte) {
	select {
	case w.msgs <- b:
	case <-w.done:
	}
}

// exit simulates worker death with the given exit code.
func (w *fakeWorker) exit(code int) {
	w.exitOnce.Do(func() {
		w.status = transport.ExitStatus{Code: code}
		close(w.done)
		close(w.msgs)
	})
}

func mustToken(tok string) []byte {
	b, err := protocol.EncodeToken(tok)
	if err != nil {
		panic(err)
	}
	return b
}

func newTestPool(a transport.Adapter, onMessage func(*Handle, []byte), onExit func(*Handle, transport.ExitStatus, bool)) *Pool {
	return New(Config{
		Adapter: a,
		SpawnConfig: func(id int) transport.SpawnConfig {
			return transport.SpawnConfig{ID: id}
		},
		StaleAfter: 50 * time.Millisecond,
		OnMessage:  onMessage,
		OnExit:     onExit,
	})
}

func TestPool_SpawnOneGatesOnReady(t *testing.T) {
	a := &fakeAdapter{}
	p := newTestPool(a, nil, nil)

	h, err := p.SpawnOne(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.ID())
	require.Equal(t, 1, p.Len())
}

func TestPool_SilentSpawnTimesOutWithContext(t *testing.T) {
	a := &fakeAdapter{silent: true}
	p := newTestPool(a, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := p.SpawnOne(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, p.Len())
}

func TestPool_ExitBeforeReadyIsFailedStart(t *testing.T) {
	a := &fakeAdapter{silent: true}
	p := newTestPool(a, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := p.SpawnOne(context.Background())
		done <- err
	}()

	var w *fakeWorker
	require.Eventually(t, func() bool {
		ws := a.spawned()
		if len(ws) == 0 {
			return false
		}
		w = ws[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	w.exit(3)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSpawnFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("spawn did not fail")
	}
	require.Equal(t, 0, p.Len())
}

func TestPool_FirstDataMessageMarksReady(t *testing.T) {
	a := &fakeAdapter{silent: true}
	p := newTestPool(a, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := p.SpawnOne(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return len(a.spawned()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// A data message (here: a response) implies the handler is installed.
	resp, err := protocol.EncodeResponse(&protocol.Response{UID: 1})
	require.NoError(t, err)
	a.spawned()[0].push(resp)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("spawn did not complete")
	}
}

func TestPool_TickAdvancesLastTick(t *testing.T) {
	a := &fakeAdapter{}
	p := newTestPool(a, nil, nil)

	h, err := p.SpawnOne(context.Background())
	require.NoError(t, err)

	before := h.LastTick()
	time.Sleep(10 * time.Millisecond)
	a.spawned()[0].push(mustToken(protocol.TokenTick))

	require.Eventually(t, func() bool {
		return h.LastTick().After(before)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_StaleDetection(t *testing.T) {
	a := &fakeAdapter{}
	p := newTestPool(a, nil, nil)

	h, err := p.SpawnOne(context.Background())
	require.NoError(t, err)

	require.False(t, p.Stale(h))
	require.Eventually(t, func() bool { return p.Stale(h) }, 2*time.Second, 10*time.Millisecond)
}

func TestPool_SelectRoundRobinAtMax(t *testing.T) {
	a := &fakeAdapter{}
	p := newTestPool(a, nil, nil)

	const n = 3
	for i := 0; i < n; i++ {
		_, err := p.SpawnOne(context.Background())
		require.NoError(t, err)
	}

	// At max, consecutive uids visit each worker evenly.
	counts := make(map[int]int)
	const k = 12
	for uid := uint64(0); uid < k; uid++ {
		h := p.Select(uid, MethodRoundRobin, n)
		require.NotNil(t, h)
		counts[h.ID()]++
	}
	require.Len(t, counts, n)
	for _, c := range counts {
		require.Equal(t, k/n, c)
	}
}

func TestPool_SelectBelowMaxPrefersMostRecentlyResponsive(t *testing.T) {
	a := &fakeAdapter{}
	p := newTestPool(a, nil, nil)

	for i := 0; i < 2; i++ {
		_, err := p.SpawnOne(context.Background())
		require.NoError(t, err)
	}

	// Tick only the second worker; both policies must now prefer it while
	// the pool is below max.
	time.Sleep(10 * time.Millisecond)
	a.spawned()[1].push(mustToken(protocol.TokenTick))

	require.Eventually(t, func() bool {
		return p.Select(0, MethodRoundRobin, 5).ID() == 2 &&
			p.Select(0, MethodLeastTime, 5).ID() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_UnexpectedExitIsReplaced(t *testing.T) {
	a := &fakeAdapter{}

	type exitEvent struct {
		id         int
		unexpected bool
	}
	exits := make(chan exitEvent, 4)
	p := newTestPool(a, nil, func(h *Handle, _ transport.ExitStatus, unexpected bool) {
		exits <- exitEvent{id: h.ID(), unexpected: unexpected}
	})

	h, err := p.SpawnOne(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())

	a.spawned()[0].exit(7)

	select {
	case ev := <-exits:
		require.Equal(t, h.ID(), ev.id)
		require.True(t, ev.unexpected)
	case <-time.After(2 * time.Second):
		t.Fatal("no exit event")
	}

	// The replacement restores the pool size with a fresh worker.
	require.Eventually(t, func() bool { return p.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, p.Snapshot()[0].ID())
}

func TestPool_NormalExitIsNotReplaced(t *testing.T) {
	a := &fakeAdapter{}
	p := newTestPool(a, nil, nil)

	_, err := p.SpawnOne(context.Background())
	require.NoError(t, err)

	a.spawned()[0].exit(0)

	require.Eventually(t, func() bool { return p.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, p.Len())
	require.Len(t, a.spawned(), 1)
}

func TestPool_TerminateAll(t *testing.T) {
	a := &fakeAdapter{}
	p := newTestPool(a, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := p.SpawnOne(context.Background())
		require.NoError(t, err)
	}

	require.NoError(t, p.TerminateAll(context.Background()))
	require.Equal(t, 0, p.Len())

	_, err := p.SpawnOne(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestPool_MessagesReachOwner(t *testing.T) {
	a := &fakeAdapter{}
	got := make(chan []byte, 1)
	p := newTestPool(a, func(_ *Handle, b []byte) { got <- b }, nil)

	_, err := p.SpawnOne(context.Background())
	require.NoError(t, err)

	resp, err := protocol.EncodeResponse(&protocol.Response{UID: 42})
	require.NoError(t, err)
	a.spawned()[0].push(resp)

	select {
	case b := <-got:
		parsed, ok := protocol.Parse(b).(*protocol.Response)
		require.True(t, ok)
		require.Equal(t, uint64(42), parsed.UID)
	case <-time.After(2 * time.Second):
		t.Fatal("message did not reach owner")
	}
}
