package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/orekyuu/mcp-ide-gateway/dispatch"
	"github.com/orekyuu/mcp-ide-gateway/internal/jsonrpc"
	"github.com/orekyuu/mcp-ide-gateway/mcp"
)

// RequestState is the lifecycle position of a tool call.
type RequestState int

const (
	RequestCreated RequestState = iota
	RequestValidated
	RequestDispatched
	RequestStreaming
	RequestCompleted
	RequestErrored
	RequestCancelled
)

func (s RequestState) String() string {
	switch s {
	case RequestCreated:
		return "created"
	case RequestValidated:
		return "validated"
	case RequestDispatched:
		return "dispatched"
	case RequestStreaming:
		return "streaming"
	case RequestCompleted:
		return "completed"
	case RequestErrored:
		return "errored"
	case RequestCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s RequestState) Terminal() bool {
	return s >= RequestCompleted
}

var requestTransitions = map[RequestState][]RequestState{
	RequestCreated:    {RequestValidated, RequestErrored, RequestCancelled},
	RequestValidated:  {RequestDispatched, RequestErrored, RequestCancelled},
	RequestDispatched: {RequestStreaming, RequestCompleted, RequestErrored, RequestCancelled},
	RequestStreaming:  {RequestStreaming, RequestCompleted, RequestErrored, RequestCancelled},
}

// ErrIllegalTransition is returned when a request is moved out of order.
var ErrIllegalTransition = errors.New("illegal request state transition")

// PendingRequest is one in-flight tools/call. Its result sink takes exactly
// one terminal value; later completions are dropped.
type PendingRequest struct {
	CorrelationID string
	RequestID     *jsonrpc.RequestID
	Tool          string
	Input         json.RawMessage
	Created       time.Time
	// Deadline is zero when the request has no timeout.
	Deadline time.Time

	lane       *lane
	pipe       *pipeline
	onTerminal func(*PendingRequest)

	mu     sync.Mutex
	state  RequestState
	seq    uint64
	handle *dispatch.Handle
	timer  *time.Timer
	err    error
	done   chan struct{}
}

func newPendingRequest(id *jsonrpc.RequestID, tool string, input json.RawMessage) *PendingRequest {
	return &PendingRequest{
		CorrelationID: id.String(),
		RequestID:     id,
		Tool:          tool,
		Input:         input,
		Created:       time.Now(),
		done:          make(chan struct{}),
	}
}

// State returns the current state.
func (p *PendingRequest) State() RequestState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the request reaches a terminal state.
func (p *PendingRequest) Done() <-chan struct{} { return p.done }

// Err is the terminal error, nil for a completed request.
func (p *PendingRequest) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Chunks is the number of chunks emitted so far.
func (p *PendingRequest) Chunks() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

func (p *PendingRequest) advance(to RequestState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if to.Terminal() || !slices.Contains(requestTransitions[p.state], to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.state, to)
	}
	p.state = to
	return nil
}

// finish moves the request to a terminal state and queues f as its last
// frame. Only the first caller wins.
func (p *PendingRequest) finish(to RequestState, f Frame, err error) bool {
	p.mu.Lock()
	if !to.Terminal() || !slices.Contains(requestTransitions[p.state], to) {
		p.mu.Unlock()
		return false
	}
	p.state = to
	p.err = err
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.pipe.terminate(p.lane, f, to != RequestCompleted)
	close(p.done)
	if p.onTerminal != nil {
		p.onTerminal(p)
	}
	return true
}

// emitChunk queues the next chunk. It reports false once the request is
// terminal.
func (p *PendingRequest) emitChunk(content []mcp.ContentBlock) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return false
	}
	p.state = RequestStreaming
	p.seq++
	n, err := jsonrpc.NewNotification(string(mcp.ToolChunkNotificationMethod), mcp.ToolChunkNotificationParams{
		RequestID: p.RequestID.Value(),
		Sequence:  p.seq,
		Content:   content,
	})
	if err != nil {
		return false
	}
	b, err := json.Marshal(n)
	if err != nil {
		return false
	}
	return p.pipe.emit(p.lane, Frame{CorrelationID: p.CorrelationID, Payload: b})
}

// emitAdvisory queues a frame that may be dropped under backpressure.
func (p *PendingRequest) emitAdvisory(payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return false
	}
	return p.pipe.tryEmit(p.lane, Frame{CorrelationID: p.CorrelationID, Payload: payload})
}

// armTimer schedules fn after d unless the request already finished.
func (p *PendingRequest) armTimer(d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return
	}
	p.timer = time.AfterFunc(d, fn)
}

// setHandle records the dispatched task. A request that finished before its
// task was recorded cancels the task immediately.
func (p *PendingRequest) setHandle(h *dispatch.Handle) {
	p.mu.Lock()
	p.handle = h
	terminal, cause := p.state.Terminal(), p.err
	p.mu.Unlock()
	if terminal {
		if cause == nil {
			cause = dispatch.ErrCancelled
		}
		h.Cancel(cause)
	}
}

func (p *PendingRequest) cancelHandle(cause error) {
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	if h != nil {
		h.Cancel(cause)
	}
}

func (p *PendingRequest) resultFrame(res *mcp.CallToolResult) Frame {
	resp, err := jsonrpc.NewResultResponse(p.RequestID, res)
	if err != nil {
		return p.errorFrame(err)
	}
	return frameOf(p.CorrelationID, resp)
}

func (p *PendingRequest) errorFrame(err error) Frame {
	return frameOf(p.CorrelationID, ErrorResponse(p.RequestID, err))
}

func frameOf(corrID string, resp *jsonrpc.Response) Frame {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(jsonrpc.NewErrorResponse(resp.ID, jsonrpc.ErrorCodeInternalError,
			"failed to encode response", jsonrpc.ErrorData{Kind: KindInternal, Cause: err.Error()}))
	}
	return Frame{CorrelationID: corrID, Terminal: true, Payload: b}
}
