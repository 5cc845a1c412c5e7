package streaminghttp

import (
	"context"
	"sync"

	"github.com/orekyuu/mcp-ide-gateway/internal/engine"
)

// sseStream is one open SSE response: the per-request stream of a POST or
// the session stream of a GET.
type sseStream struct {
	frames chan engine.Frame
	done   chan struct{}
	once   sync.Once
}

func newSSEStream(buffer int) *sseStream {
	return &sseStream{frames: make(chan engine.Frame, buffer), done: make(chan struct{})}
}

func (s *sseStream) stop() { s.once.Do(func() { close(s.done) }) }

// conn is the engine.Conn of one HTTP session. Frames of a request go to that
// request's POST stream and are dropped once it is gone; everything else goes
// to the GET stream if one is open.
// Streams of different requests are independent, so the conn is multiplexed.
type conn struct {
	buffer int

	mu       sync.Mutex
	requests map[string]*sseStream
	session  *sseStream
	closed   bool
	done     chan struct{}
}

var _ engine.Conn = (*conn)(nil)

func newConn(buffer int) *conn {
	return &conn{
		buffer:   buffer,
		requests: make(map[string]*sseStream),
		done:     make(chan struct{}),
	}
}

func (c *conn) Multiplexed() bool { return true }

func (c *conn) SendFrame(ctx context.Context, f engine.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return engine.ErrDisconnected
	}
	st := c.session
	if f.CorrelationID != "" {
		// A request's frames only ever travel on its own POST stream. Once that
		// stream is gone the client has abandoned the request.
		st = c.requests[f.CorrelationID]
	}
	c.mu.Unlock()

	if st == nil {
		return nil
	}
	select {
	case <-st.done:
		return engine.ErrDisconnected
	default:
	}
	select {
	case st.frames <- f:
		return nil
	case <-st.done:
		return engine.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	default:
		return engine.ErrBackpressureExceeded
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

// register opens the stream of a request. It fails if the conn is closed or
// the id already has a live stream.
func (c *conn) register(corrID string) (*sseStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	if _, ok := c.requests[corrID]; ok {
		return nil, false
	}
	st := newSSEStream(c.buffer)
	c.requests[corrID] = st
	return st, true
}

func (c *conn) unregister(corrID string, st *sseStream) {
	c.mu.Lock()
	if cur, ok := c.requests[corrID]; ok && cur == st {
		delete(c.requests, corrID)
	}
	c.mu.Unlock()
	st.stop()
}

// attach opens the session stream. Only one may be open at a time.
func (c *conn) attach() (*sseStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.session != nil {
		return nil, false
	}
	c.session = newSSEStream(c.buffer)
	return c.session, true
}

func (c *conn) detach(st *sseStream) {
	c.mu.Lock()
	if c.session == st {
		c.session = nil
	}
	c.mu.Unlock()
	st.stop()
}
