package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/orekyuu/mcp-ide-gateway/dispatch"
	"github.com/orekyuu/mcp-ide-gateway/internal/jsonrpc"
	"github.com/orekyuu/mcp-ide-gateway/internal/logctx"
	"github.com/orekyuu/mcp-ide-gateway/mcp"
	"github.com/orekyuu/mcp-ide-gateway/tools"
)

// HandleMessage processes one inbound JSON-RPC message of an open session.
// Replies are delivered through the session's conn, never returned. The
// returned error is non-nil only when the session is unknown or the message
// could not be decoded.
func (e *Engine) HandleMessage(ctx context.Context, sessionID string, raw []byte) error {
	s, ok := e.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.touch()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       s.id,
		ClientKey:       s.clientKey,
		ProtocolVersion: s.protocolVersion,
	})

	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		e.log.InfoContext(ctx, "engine.handle_message.invalid", slog.String("err", err.Error()))
		e.reply(s, nil, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, err.Error(), jsonrpc.ErrorData{Kind: KindParseError}))
		return err
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   string(msg.Type()),
	})

	switch msg.Type() {
	case jsonrpc.TypeRequest:
		e.handleRequest(ctx, s, msg.AsRequest())
	case jsonrpc.TypeNotification:
		e.handleNotification(ctx, s, msg.AsRequest())
	default:
		// The gateway never issues requests to clients.
		e.log.DebugContext(ctx, "engine.handle_message.unexpected_response")
	}
	return nil
}

func (e *Engine) handleRequest(ctx context.Context, s *Session, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.ToolsCallMethod:
		e.handleToolCall(ctx, s, req)
	case mcp.ToolsListMethod:
		e.handleToolsList(ctx, s, req)
	case mcp.PingMethod:
		e.replyResult(ctx, s, req.ID, struct{}{})
	case mcp.InitializeMethod:
		e.replyError(s, req.ID, ErrInitialized)
	default:
		e.log.InfoContext(ctx, "engine.handle_request.unsupported")
		e.replyError(s, req.ID, fmt.Errorf("%w: %s", ErrMethodNotFound, req.Method))
	}
}

func (e *Engine) handleNotification(ctx context.Context, s *Session, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		s.markOpen()
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &id); err != nil || id.IsNil() {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", "missing requestId"))
			return
		}
		p, ok := s.Lookup(id.String())
		if !ok {
			return
		}
		reason := errors.New("cancelled by client")
		if params.Reason != "" {
			reason = errors.New(params.Reason)
		}
		e.cancelPending(p, reason)
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	}
}

func (e *Engine) handleToolsList(ctx context.Context, s *Session, req *jsonrpc.Request) {
	ds := e.registry.Descriptors()
	res := mcp.ListToolsResult{Tools: make([]mcp.Tool, 0, len(ds))}
	for _, d := range ds {
		res.Tools = append(res.Tools, d.Tool())
	}
	e.replyResult(ctx, s, req.ID, res)
}

func (e *Engine) handleToolCall(ctx context.Context, s *Session, req *jsonrpc.Request) {
	start := time.Now()

	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.tool_call.invalid", slog.String("err", err.Error()))
		e.replyError(s, req.ID, fmt.Errorf("%w: %w", ErrInvalidParams, err))
		return
	}
	if params.Name == "" {
		e.replyError(s, req.ID, fmt.Errorf("%w: missing tool name", ErrInvalidParams))
		return
	}
	d, err := e.registry.Lookup(params.Name)
	if err != nil {
		e.log.InfoContext(ctx, "engine.tool_call.invalid", slog.String("tool", params.Name), slog.String("err", err.Error()))
		e.replyError(s, req.ID, err)
		return
	}
	if err := e.registry.Validate(d, params.Arguments); err != nil {
		e.log.InfoContext(ctx, "engine.tool_call.invalid", slog.String("tool", params.Name), slog.String("err", err.Error()))
		e.replyError(s, req.ID, err)
		return
	}

	p := newPendingRequest(req.ID, d.Name, params.Arguments)
	p.pipe = s.pipe
	timeout := e.requestTimeout
	if params.Meta != nil && params.Meta.TimeoutMs > 0 {
		timeout = time.Duration(params.Meta.TimeoutMs) * time.Millisecond
	}
	if timeout > 0 {
		p.Deadline = p.Created.Add(timeout)
	}
	_ = p.advance(RequestValidated)

	p.lane = s.pipe.open(p.CorrelationID, func(err error) { e.deliveryFailed(p, err) })
	// onTerminal must be in place before insert publishes p to concurrent
	// cancellation.
	p.onTerminal = func(p *PendingRequest) {
		s.remove(p)
		e.metrics.pending.Dec()
		e.metrics.toolCalls.WithLabelValues(p.Tool, p.State().String()).Inc()
	}
	e.metrics.pending.Inc()
	if err := s.insert(p); err != nil {
		e.metrics.pending.Dec()
		e.log.InfoContext(ctx, "engine.tool_call.rejected", slog.String("err", err.Error()))
		s.pipe.terminate(p.lane, p.errorFrame(err), true)
		return
	}

	var meta mcp.RequestMeta
	if params.Meta != nil {
		meta = *params.Meta
	}
	treq := &tools.Request{Name: d.Name, Arguments: params.Arguments, CorrelationID: p.CorrelationID}

	var (
		fn     dispatch.Func
		stream *streamTask
	)
	switch h := d.Handler.(type) {
	case tools.UnaryFunc:
		fn = e.unaryTask(p, d, h, treq, meta)
	case tools.StreamFunc:
		stream = &streamTask{e: e, s: s, p: p, d: d, fn: h, req: treq, meta: meta, aggregate: !s.Has(CapStreaming)}
		fn = stream.run
	}

	_ = p.advance(RequestDispatched)
	if timeout > 0 {
		p.armTimer(timeout, func() { e.expire(p, timeout) })
	}
	h := e.disp.Submit(s.ctx, d.Affinity, fn)
	p.setHandle(h)

	e.log.DebugContext(ctx, "engine.tool_call.dispatched",
		slog.String("tool", d.Name),
		slog.String("affinity", d.Affinity.String()),
		slog.Duration("timeout", timeout),
	)
	go e.await(ctx, s, p, d, h, stream, start)
}

// await settles a request from its task's outcome.
func (e *Engine) await(ctx context.Context, s *Session, p *PendingRequest, d *tools.Descriptor, h *dispatch.Handle, stream *streamTask, start time.Time) {
	<-h.Done()
	if stream != nil && stream.prod != nil && !stream.closed {
		// The task was cancelled while parked; release the producer on its own
		// execution context.
		e.disp.Submit(context.WithoutCancel(s.ctx), d.Affinity, dispatch.Run(func(ctx context.Context) (any, error) {
			return nil, stream.closeProducer()
		}))
	}

	val, err := h.Result()
	log := e.log.With(slog.String("tool", d.Name), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	if err != nil {
		to := RequestErrored
		if errors.Is(err, dispatch.ErrCancelled) || errors.Is(err, ErrDisconnected) {
			to = RequestCancelled
		}
		if p.finish(to, p.errorFrame(err), err) {
			log.InfoContext(ctx, "engine.tool_call.fail", slog.String("state", to.String()), slog.String("err", err.Error()))
		}
		return
	}

	res, _ := val.(*mcp.CallToolResult)
	if res == nil {
		res = &mcp.CallToolResult{}
	}
	if res.Content == nil {
		res.Content = []mcp.ContentBlock{}
	}
	if !res.IsError && res.StructuredContent != nil {
		if err := e.registry.ValidateOutput(d, res.StructuredContent); err != nil {
			if p.finish(RequestErrored, p.errorFrame(err), err) {
				log.WarnContext(ctx, "engine.tool_call.fail", slog.String("err", err.Error()))
			}
			return
		}
	}
	if p.finish(RequestCompleted, p.resultFrame(res), nil) {
		log.InfoContext(ctx, "engine.tool_call.ok", slog.Uint64("chunks", p.Chunks()), slog.Bool("is_error", res.IsError))
	}
}

// expire enforces the client-facing deadline whether or not the handler
// cooperates.
func (e *Engine) expire(p *PendingRequest, timeout time.Duration) {
	err := fmt.Errorf("%w after %s", ErrTimeout, timeout)
	if p.finish(RequestCancelled, p.errorFrame(err), err) {
		e.metrics.timeouts.Inc()
		e.log.Info("engine.tool_call.timeout", slog.String("tool", p.Tool), slog.String("correlation_id", p.CorrelationID))
	}
	p.cancelHandle(err)
}

func (e *Engine) cancelPending(p *PendingRequest, reason error) bool {
	err := fmt.Errorf("%w: %w", dispatch.ErrCancelled, reason)
	ok := p.finish(RequestCancelled, p.errorFrame(err), err)
	p.cancelHandle(err)
	return ok
}

// deliveryFailed runs when the transport can no longer carry a request's
// frames. Its lane is already purged.
func (e *Engine) deliveryFailed(p *PendingRequest, err error) {
	p.finish(RequestCancelled, p.errorFrame(err), err)
	p.cancelHandle(err)
}

// taskContext decorates a task's context with log data and, when the client
// asked for it, a progress reporter.
func (e *Engine) taskContext(ctx context.Context, p *PendingRequest, d *tools.Descriptor, meta mcp.RequestMeta) context.Context {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{
		ToolName:      d.Name,
		CorrelationID: p.CorrelationID,
		Affinity:      d.Affinity.String(),
	})
	if meta.ProgressToken != nil {
		ctx = tools.WithProgressReporter(ctx, progressReporter{p: p, token: meta.ProgressToken})
	}
	return ctx
}

func (e *Engine) unaryTask(p *PendingRequest, d *tools.Descriptor, fn tools.UnaryFunc, req *tools.Request, meta mcp.RequestMeta) dispatch.Func {
	return func(ctx context.Context) dispatch.Outcome {
		res, err := fn(e.taskContext(ctx, p, d, meta), req)
		return dispatch.Done(res, err)
	}
}

// streamTask pulls a Producer as one dispatched task, yielding at the
// watermark and at the end of each fairness quota.
type streamTask struct {
	e         *Engine
	s         *Session
	p         *PendingRequest
	d         *tools.Descriptor
	fn        tools.StreamFunc
	req       *tools.Request
	meta      mcp.RequestMeta
	aggregate bool

	prod     tools.Producer
	closed   bool
	content  []mcp.ContentBlock
	aggBytes int
}

func (t *streamTask) run(ctx context.Context) dispatch.Outcome {
	ctx = t.e.taskContext(ctx, t.p, t.d, t.meta)
	if t.prod == nil {
		prod, err := t.fn(ctx, t.req)
		if err != nil {
			return dispatch.Done(nil, err)
		}
		if prod == nil {
			prod = tools.SliceProducer()
		}
		t.prod = prod
	}

	turn := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			_ = t.closeProducer()
			return dispatch.Done(nil, err)
		}
		if t.p.State().Terminal() {
			_ = t.closeProducer()
			return dispatch.Done(nil, context.Canceled)
		}
		if !t.aggregate {
			if wait, ok := t.s.pipe.await(t.p.lane); !ok {
				t.e.metrics.parks.Inc()
				return dispatch.Yield(wait)
			}
		}

		chunk, err := t.prod.Next(ctx)
		if tools.IsEndOfStream(err) {
			res, err := t.final(ctx)
			return dispatch.Done(res, err)
		}
		if err != nil {
			_ = t.closeProducer()
			return dispatch.Done(nil, err)
		}
		if len(chunk) > 0 {
			if t.aggregate {
				t.aggBytes += contentSize(chunk)
				if t.aggBytes > t.e.aggregateLimit {
					_ = t.closeProducer()
					return dispatch.Done(t.overflow(ctx), nil)
				}
				t.content = append(t.content, chunk...)
			} else if !t.p.emitChunk(chunk) {
				_ = t.closeProducer()
				return dispatch.Done(nil, ErrDisconnected)
			}
		}

		if t.d.Affinity == dispatch.HostExclusive && time.Since(turn) >= t.e.fairnessQuota && t.e.disp.QueueDepth() > 0 {
			return dispatch.Yield(nil)
		}
	}
}

// final builds the terminal result of an exhausted producer. Clients without
// the streaming capability receive every chunk in it.
func (t *streamTask) final(ctx context.Context) (*mcp.CallToolResult, error) {
	defer t.closeProducer()

	var res *mcp.CallToolResult
	if f, ok := t.prod.(tools.Finisher); ok {
		r, err := f.Finish(ctx)
		if err != nil {
			return nil, err
		}
		res = r
	}
	if res == nil {
		res = &mcp.CallToolResult{}
	}
	if t.aggregate {
		res.Content = append(t.content, res.Content...)
	}
	return res, nil
}

// overflow ends an aggregated call whose content outgrew the aggregate limit.
func (t *streamTask) overflow(ctx context.Context) *mcp.CallToolResult {
	t.e.log.WarnContext(ctx, "engine.tool_call.aggregate_limit",
		slog.Int("limit", t.e.aggregateLimit),
		slog.Int("chunks", len(t.content)),
	)
	note := fmt.Sprintf("result truncated: output exceeds %d bytes; negotiate the %q capability to receive it as a stream",
		t.e.aggregateLimit, mcp.StreamingCapability)
	return &mcp.CallToolResult{
		Content: append(t.content, mcp.Text(note)),
		IsError: true,
	}
}

func contentSize(blocks []mcp.ContentBlock) int {
	n := 0
	for _, b := range blocks {
		n += len(b.Text) + len(b.Data) + len(b.URI) + len(b.Name) + len(b.MimeType)
	}
	return n
}

func (t *streamTask) closeProducer() error {
	if t.closed || t.prod == nil {
		return nil
	}
	t.closed = true
	if c, ok := t.prod.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type progressReporter struct {
	p     *PendingRequest
	token any
}

func (r progressReporter) Report(ctx context.Context, progress, total float64, message string) error {
	n, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
		ProgressToken: r.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	r.p.emitAdvisory(b)
	return nil
}

func (e *Engine) replyResult(ctx context.Context, s *Session, id *jsonrpc.RequestID, result any) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		e.replyError(s, id, err)
		return
	}
	e.reply(s, id, resp)
}

func (e *Engine) replyError(s *Session, id *jsonrpc.RequestID, err error) {
	e.reply(s, id, ErrorResponse(id, err))
}

// reply sends a response that has no pending request behind it.
func (e *Engine) reply(s *Session, id *jsonrpc.RequestID, resp *jsonrpc.Response) {
	corrID := id.String()
	l := s.pipe.open(corrID, nil)
	s.pipe.terminate(l, frameOf(corrID, resp), false)
}
