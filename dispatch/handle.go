package dispatch

import (
	"container/list"
	"context"
	"sync"
)

// State is the lifecycle position of a submitted task.
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateParked
	StateDone
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateParked:
		return "parked"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Handle tracks one submitted task until it completes.
type Handle struct {
	d        *Dispatcher
	id       uint64
	affinity Affinity
	fn       Func

	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   func() bool

	// Guarded by d.mu for queue membership and by mu for the rest. Lock order
	// is d.mu then mu.
	elem *list.Element

	mu    sync.Mutex
	state State
	val   any
	err   error
	done  chan struct{}
}

// ID is unique per dispatcher.
func (h *Handle) ID() uint64 { return h.id }

// Affinity reports the execution context the task was submitted for.
func (h *Handle) Affinity() Affinity { return h.affinity }

// Done is closed once the task has reached a terminal outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Result returns the outcome. It must only be called after Done is closed.
func (h *Handle) Result() (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.val, h.err
}

// Wait blocks until the task completes or ctx is done. Abandoning the wait
// does not cancel the task.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes a queued or parked task without running it any further and
// reports true. A running task only has its context cancelled, since host
// calls may not be preemptible; Cancel then reports false and the handle
// completes when the task returns.
func (h *Handle) Cancel(cause error) bool {
	d := h.d
	d.mu.Lock()
	h.mu.Lock()

	switch h.state {
	case StateQueued, StateParked:
		if h.elem != nil {
			d.hostQ.Remove(h.elem)
			h.elem = nil
			d.metrics.queueDepth.Set(float64(d.hostQ.Len()))
		}
		delete(d.parked, h)
		h.cancel(cause)
		h.completeLocked(nil, cancelledError(cause), "cancelled")
		h.mu.Unlock()
		d.mu.Unlock()
		return true
	case StateRunning:
		h.mu.Unlock()
		d.mu.Unlock()
		h.cancel(cause)
		return false
	}
	h.mu.Unlock()
	d.mu.Unlock()
	return false
}

// complete settles the handle once; later calls are ignored.
func (h *Handle) complete(val any, err error, outcome string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completeLocked(val, err, outcome)
}

func (h *Handle) completeLocked(val any, err error, outcome string) bool {
	if h.state == StateDone {
		return false
	}
	h.state = StateDone
	h.val, h.err = val, err
	close(h.done)
	h.cancel(nil)
	if h.stop != nil {
		h.stop()
	}
	h.d.metrics.tasks.WithLabelValues(h.affinity.String(), outcome).Inc()
	return true
}
