package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// lane holds the undelivered frames of one request.
type lane struct {
	key    uint64
	corrID string
	frames []Frame
	// inflight is 1 while the writer holds a frame of this lane.
	inflight int
	// sealed is set once the terminal frame is queued or delivery failed.
	sealed bool
	onFail func(error)
}

// pipeline is the outbound side of one session. Producers push frames into
// per-request lanes and a single writer goroutine drains them to the Conn.
type pipeline struct {
	conn        Conn
	log         *slog.Logger
	metrics     *metrics
	serialized  bool
	watermark   int
	sendTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	lanes *orderedmap.OrderedMap[uint64, *lane]
	// order is the production order across lanes of a multiplexed conn, one
	// entry per queued frame.
	order    []*lane
	buffered int
	nextKey  uint64
	drained  chan struct{}
	closed   bool

	wake chan struct{}
	done chan struct{}
}

func newPipeline(conn Conn, watermark int, sendTimeout time.Duration, log *slog.Logger, m *metrics) *pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		conn:        conn,
		log:         log,
		metrics:     m,
		serialized:  !conn.Multiplexed(),
		watermark:   watermark,
		sendTimeout: sendTimeout,
		ctx:         ctx,
		cancel:      cancel,
		lanes:       orderedmap.New[uint64, *lane](),
		drained:     make(chan struct{}),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go p.run()
	return p
}

// open appends a lane in arrival order. On a closed pipeline the lane is
// returned sealed and every push to it is dropped.
func (p *pipeline) open(corrID string, onFail func(error)) *lane {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextKey++
	l := &lane{key: p.nextKey, corrID: corrID, onFail: onFail}
	if p.closed {
		l.sealed = true
		return l
	}
	p.lanes.Set(l.key, l)
	return l
}

// await reports whether the lane has room for another chunk. When it does not,
// the returned channel is closed on the next delivery.
func (p *pipeline) await(l *lane) (<-chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || l.sealed || p.roomLocked(l) {
		return nil, true
	}
	return p.drained, false
}

func (p *pipeline) roomLocked(l *lane) bool {
	n := len(l.frames) + l.inflight
	if n >= p.watermark {
		return false
	}
	return p.serialized || p.buffered < p.watermark || n == 0
}

// emit queues a chunk frame regardless of the watermark.
func (p *pipeline) emit(l *lane, f Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || l.sealed {
		return false
	}
	p.pushLocked(l, f)
	return true
}

// tryEmit queues an advisory frame only if the lane has room.
func (p *pipeline) tryEmit(l *lane, f Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || l.sealed || !p.roomLocked(l) {
		return false
	}
	p.pushLocked(l, f)
	return true
}

// terminate queues the terminal frame of a lane, dropping queued chunks
// first when purge is set. Terminal frames are not subject to the watermark.
func (p *pipeline) terminate(l *lane, f Frame, purge bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || l.sealed {
		return
	}
	if purge {
		p.purgeLocked(l)
	}
	f.Terminal = true
	p.pushLocked(l, f)
	l.sealed = true
}

func (p *pipeline) pushLocked(l *lane, f Frame) {
	l.frames = append(l.frames, f)
	if !p.serialized {
		p.order = append(p.order, l)
	}
	p.buffered++
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pipeline) purgeLocked(l *lane) {
	if len(l.frames) == 0 {
		return
	}
	p.buffered -= len(l.frames)
	l.frames = nil
	if p.serialized {
		return
	}
	kept := p.order[:0]
	for _, o := range p.order {
		if o != l {
			kept = append(kept, o)
		}
	}
	clear(p.order[len(kept):])
	p.order = kept
}

// close drops every undelivered frame and waits for the writer to stop.
func (p *pipeline) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	for pair := p.lanes.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.frames = nil
		pair.Value.sealed = true
	}
	p.lanes = orderedmap.New[uint64, *lane]()
	p.order = nil
	p.buffered = 0
	close(p.drained)
	p.mu.Unlock()

	p.cancel()
	<-p.done
}

func (p *pipeline) run() {
	defer close(p.done)
	for {
		l, f, ok := p.next()
		if !ok {
			return
		}
		err := p.send(f)
		if err != nil && p.ctx.Err() == nil {
			p.log.Warn("engine.pipeline.send_fail",
				slog.String("correlation_id", f.CorrelationID),
				slog.Bool("terminal", f.Terminal),
				slog.String("err", err.Error()),
			)
		}
		p.ack(l, f, err)
	}
}

// next blocks until a frame is deliverable or the pipeline closes.
func (p *pipeline) next() (*lane, Frame, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, Frame{}, false
		}
		if l := p.headLocked(); l != nil {
			f := l.frames[0]
			l.frames[0] = Frame{}
			l.frames = l.frames[1:]
			l.inflight = 1
			p.buffered--
			p.mu.Unlock()
			return l, f, true
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return nil, Frame{}, false
		}
	}
}

// headLocked picks the lane owning the next frame. A serialized conn only
// ever drains the oldest open lane.
func (p *pipeline) headLocked() *lane {
	if p.serialized {
		pair := p.lanes.Oldest()
		if pair == nil || len(pair.Value.frames) == 0 {
			return nil
		}
		return pair.Value
	}
	if len(p.order) == 0 {
		return nil
	}
	l := p.order[0]
	p.order[0] = nil
	p.order = p.order[1:]
	return l
}

// send hands f to the conn, retrying while the transport reports
// backpressure.
func (p *pipeline) send(f Frame) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.Reset()

	_, err := backoff.Retry(p.ctx, func() (struct{}, error) {
		err := p.conn.SendFrame(p.ctx, f)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrBackpressureExceeded):
			p.metrics.backpressureRetries.Inc()
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(p.sendTimeout))
	if err == nil {
		p.metrics.framesSent.Inc()
	}
	return err
}

func (p *pipeline) ack(l *lane, f Frame, err error) {
	var onFail func(error)

	p.mu.Lock()
	l.inflight = 0
	switch {
	case p.closed:
	case err != nil:
		p.purgeLocked(l)
		l.sealed = true
		p.lanes.Delete(l.key)
		if !f.Terminal {
			onFail = l.onFail
		}
	case f.Terminal:
		p.lanes.Delete(l.key)
	}
	if !p.closed {
		close(p.drained)
		p.drained = make(chan struct{})
	}
	p.mu.Unlock()

	if onFail != nil {
		onFail(err)
	}
}

// depth is the number of queued frames across all lanes.
func (p *pipeline) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}
