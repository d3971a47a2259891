package transport

import (
	"io"
	"sync"
)

// pipeConn frames messages over a read/write file pair. Used on the worker
// side of the process adapter.
type pipeConn struct {
	r io.ReadCloser
	w io.WriteCloser

	sendMu sync.Mutex
	msgs   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipeConn(r io.ReadCloser, w io.WriteCloser) *pipeConn {
	c := &pipeConn{
		r:      r,
		w:      w,
		msgs:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *pipeConn) readLoop() {
	defer close(c.msgs)
	for {
		b, err := ReadFrame(c.r)
		if err != nil {
			return
		}
		select {
		case c.msgs <- b:
		case <-c.closed:
			return
		}
	}
}

func (c *pipeConn) Send(b []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return WriteFrame(c.w, b)
}

func (c *pipeConn) Messages() <-chan []byte { return c.msgs }

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.r.Close()
		_ = c.w.Close()
	})
	return nil
}

// chanPipe builds the two halves of an in-memory duplex connection for the
// inproc adapter. Buffered so liveness ticks never deadlock against a
// concurrent request in the opposite direction.
func chanPipe() (parent, child Conn) {
	toChild := make(chan []byte, 256)
	toParent := make(chan []byte, 256)
	shared := &chanPipeState{closed: make(chan struct{})}
	parent = &chanConn{in: toParent, out: toChild, state: shared}
	child = &chanConn{in: toChild, out: toParent, state: shared}
	return parent, child
}

type chanPipeState struct {
	once   sync.Once
	closed chan struct{}
}

type chanConn struct {
	in    chan []byte
	out   chan []byte
	state *chanPipeState
}

func (c *chanConn) Send(b []byte) error {
	select {
	case <-c.state.closed:
		return ErrClosed
	case c.out <- b:
		return nil
	}
}

func (c *chanConn) Messages() <-chan []byte { return c.in }

func (c *chanConn) Close() error {
	c.state.once.Do(func() { close(c.state.closed) })
	return nil
}
