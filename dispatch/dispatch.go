// Package dispatch marshals units of work onto the execution context they
// require. HostExclusive work runs on a single worker in submission order;
// CallerContext work runs concurrently on a bounded pool.
package dispatch

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Affinity is the execution-context requirement of a task.
type Affinity int

const (
	// HostExclusive work touches host state and must run on the host worker.
	HostExclusive Affinity = iota + 1
	// CallerContext work may run on any pool worker.
	CallerContext
)

func (a Affinity) String() string {
	switch a {
	case HostExclusive:
		return "host"
	case CallerContext:
		return "caller"
	}
	return "unknown"
}

// Func is a unit of work. It returns Done when finished, or Yield to give the
// worker up and be resumed later from the tail of its queue.
type Func func(ctx context.Context) Outcome

// Outcome is what a Func hands back to the dispatcher.
type Outcome struct {
	val    any
	err    error
	yield  bool
	resume <-chan struct{}
}

// Done finishes the task with a value or an error.
func Done(val any, err error) Outcome {
	return Outcome{val: val, err: err}
}

// Yield parks the task until resume is closed and then appends it to the
// tail of its queue. A nil resume re-queues immediately. The Func is called
// again when the task reaches the head, so it must carry its own progress.
func Yield(resume <-chan struct{}) Outcome {
	return Outcome{yield: true, resume: resume}
}

// Run adapts a plain function into a Func that never yields.
func Run(fn func(ctx context.Context) (any, error)) Func {
	return func(ctx context.Context) Outcome {
		return Done(fn(ctx))
	}
}

type affinityKey struct{}

// AffinityFrom reports the context a running task was dispatched on.
func AffinityFrom(ctx context.Context) (Affinity, bool) {
	a, ok := ctx.Value(affinityKey{}).(Affinity)
	return a, ok
}

// Dispatcher owns the host-exclusive queue and the caller pool.
type Dispatcher struct {
	log      *slog.Logger
	exec     HostExecutor
	lockOS   bool
	poolSize int64
	pool     *semaphore.Weighted
	metrics  *metrics
	nextID   atomic.Uint64

	mu     sync.Mutex
	hostQ  *list.List
	parked map[*Handle]struct{}
	closed bool
	wake   chan struct{}

	hostDone chan struct{}
	callers  sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithHostExecutor routes HostExclusive work through a host-provided
// executor, for hosts that own their event loop.
func WithHostExecutor(e HostExecutor) Option {
	return func(d *Dispatcher) {
		if e != nil {
			d.exec = e
			d.lockOS = false
		}
	}
}

// WithCallerPoolSize bounds concurrently running CallerContext tasks.
func WithCallerPoolSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.poolSize = int64(n)
		}
	}
}

// WithMetrics registers the dispatcher's collectors.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) {
		d.metrics = newMetrics(reg)
	}
}

// New creates a Dispatcher and starts its host worker.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:      slog.Default(),
		exec:     lockedThread{},
		lockOS:   true,
		poolSize: int64(4 * runtime.GOMAXPROCS(0)),
		hostQ:    list.New(),
		parked:   make(map[*Handle]struct{}),
		wake:     make(chan struct{}, 1),
		hostDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.metrics == nil {
		d.metrics = newMetrics(nil)
	}
	d.pool = semaphore.NewWeighted(d.poolSize)

	go d.hostLoop()
	return d
}

// Submit enqueues fn and returns immediately. Cancelling ctx before the task
// starts removes it; cancelling it afterwards is advisory.
func (d *Dispatcher) Submit(ctx context.Context, affinity Affinity, fn Func) *Handle {
	tctx, cancel := context.WithCancelCause(context.WithValue(ctx, affinityKey{}, affinity))
	h := &Handle{
		d:        d,
		id:       d.nextID.Add(1),
		affinity: affinity,
		fn:       fn,
		ctx:      tctx,
		cancel:   cancel,
		state:    StateQueued,
		done:     make(chan struct{}),
	}

	if affinity != HostExclusive && affinity != CallerContext {
		h.complete(nil, &DispatchError{Cause: fmt.Errorf("unknown affinity %d", affinity)}, "failed")
		return h
	}

	stop := context.AfterFunc(ctx, func() {
		h.Cancel(context.Cause(ctx))
	})
	h.mu.Lock()
	h.stop = stop
	h.mu.Unlock()
	d.enqueue(h)
	return h
}

// QueueDepth is the number of HostExclusive tasks waiting to run.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostQ.Len()
}

// Close stops accepting work, fails every queued or parked task with
// ErrHostUnavailable and waits for running tasks to return or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var dropped []*Handle
	for e := d.hostQ.Front(); e != nil; e = e.Next() {
		h := e.Value.(*Handle)
		h.elem = nil
		dropped = append(dropped, h)
	}
	d.hostQ.Init()
	d.metrics.queueDepth.Set(0)
	for h := range d.parked {
		dropped = append(dropped, h)
	}
	clear(d.parked)
	d.mu.Unlock()
	d.signal()

	for _, h := range dropped {
		h.complete(nil, &DispatchError{Cause: ErrHostUnavailable}, "unavailable")
	}

	done := make(chan struct{})
	go func() {
		<-d.hostDone
		d.callers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// enqueue places a queued or parked handle on its queue.
func (d *Dispatcher) enqueue(h *Handle) {
	d.mu.Lock()
	h.mu.Lock()
	if h.state == StateDone {
		h.mu.Unlock()
		d.mu.Unlock()
		return
	}
	if d.closed {
		h.completeLocked(nil, &DispatchError{Cause: ErrHostUnavailable}, "unavailable")
		h.mu.Unlock()
		d.mu.Unlock()
		return
	}
	h.state = StateQueued
	if h.affinity == HostExclusive {
		h.elem = d.hostQ.PushBack(h)
		d.metrics.queueDepth.Set(float64(d.hostQ.Len()))
		h.mu.Unlock()
		d.mu.Unlock()
		d.signal()
		return
	}
	d.callers.Add(1)
	h.mu.Unlock()
	d.mu.Unlock()
	go d.runCaller(h)
}

func (d *Dispatcher) hostLoop() {
	defer close(d.hostDone)
	if d.lockOS {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for {
		h, ok := d.nextHost()
		if !ok {
			return
		}
		if h == nil {
			<-d.wake
			continue
		}

		var out Outcome
		if err := d.exec.RunOnHost(h.ctx, func() { out = d.invoke(h) }); err != nil {
			d.log.Warn("dispatch.host.unavailable", slog.Uint64("task", h.id), slog.String("err", err.Error()))
			h.complete(nil, &DispatchError{Cause: fmt.Errorf("%w: %w", ErrHostUnavailable, err)}, "unavailable")
			continue
		}
		d.settle(h, out)
	}
}

// nextHost pops the head of the host queue and marks it running. It returns
// (nil, true) when the queue is empty and (nil, false) once closed.
func (d *Dispatcher) nextHost() (*Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.hostQ.Front()
	if e == nil {
		return nil, !d.closed
	}
	d.hostQ.Remove(e)
	d.metrics.queueDepth.Set(float64(d.hostQ.Len()))
	h := e.Value.(*Handle)
	h.mu.Lock()
	h.elem = nil
	h.state = StateRunning
	h.mu.Unlock()
	return h, true
}

func (d *Dispatcher) runCaller(h *Handle) {
	defer d.callers.Done()
	if err := d.pool.Acquire(h.ctx, 1); err != nil {
		// Cancel already completed the handle.
		return
	}
	defer d.pool.Release(1)

	h.mu.Lock()
	if h.state != StateQueued {
		h.mu.Unlock()
		return
	}
	h.state = StateRunning
	h.mu.Unlock()

	d.settle(h, d.invoke(h))
}

// invoke calls the task and converts panics into failures.
func (d *Dispatcher) invoke(h *Handle) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch.task.panic",
				slog.Uint64("task", h.id),
				slog.String("affinity", h.affinity.String()),
				slog.Any("panic", r),
			)
			out = Done(nil, &DispatchError{Panic: r, Cause: fmt.Errorf("panic: %v", r), Stack: debug.Stack()})
		}
	}()
	return h.fn(h.ctx)
}

func (d *Dispatcher) settle(h *Handle, out Outcome) {
	if !out.yield {
		switch {
		case out.err == nil:
			h.complete(out.val, nil, "ok")
		case h.ctx.Err() != nil && (errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded)):
			h.complete(nil, cancelledError(context.Cause(h.ctx)), "cancelled")
		default:
			var de *DispatchError
			if !errors.As(out.err, &de) {
				de = &DispatchError{Cause: out.err}
			}
			h.complete(nil, de, "failed")
		}
		return
	}

	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return
	}
	if h.ctx.Err() != nil {
		h.completeLocked(nil, cancelledError(context.Cause(h.ctx)), "cancelled")
		h.mu.Unlock()
		return
	}
	h.state = StateParked
	h.mu.Unlock()

	if out.resume == nil {
		d.enqueue(h)
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		h.complete(nil, &DispatchError{Cause: ErrHostUnavailable}, "unavailable")
		return
	}
	d.parked[h] = struct{}{}
	d.mu.Unlock()
	go func() {
		select {
		case <-out.resume:
			d.unpark(h)
			d.enqueue(h)
		case <-h.ctx.Done():
			d.unpark(h)
			h.Cancel(context.Cause(h.ctx))
		}
	}()
}

func (d *Dispatcher) unpark(h *Handle) {
	d.mu.Lock()
	delete(d.parked, h)
	d.mu.Unlock()
}
