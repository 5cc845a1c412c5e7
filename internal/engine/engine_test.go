package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/orekyuu/mcp-ide-gateway/dispatch"
	"github.com/orekyuu/mcp-ide-gateway/internal/jsonrpc"
	"github.com/orekyuu/mcp-ide-gateway/mcp"
	"github.com/orekyuu/mcp-ide-gateway/sessions"
	"github.com/orekyuu/mcp-ide-gateway/sessions/memoryhost"
	"github.com/orekyuu/mcp-ide-gateway/tools"
	dto "github.com/prometheus/client_model/go"
)

type testConn struct {
	multiplexed bool
	// gate, when set, admits one SendFrame per token; close it to open fully.
	gate   chan struct{}
	frames chan Frame
	closed atomic.Bool
}

func newTestConn(multiplexed bool) *testConn {
	return &testConn{multiplexed: multiplexed, frames: make(chan Frame, 1024)}
}

func (c *testConn) SendFrame(ctx context.Context, f Frame) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.closed.Load() {
		return ErrDisconnected
	}
	c.frames <- f
	return nil
}

func (c *testConn) Multiplexed() bool { return c.multiplexed }

func (c *testConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *testConn) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame delivered")
		return Frame{}
	}
}

func (c *testConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected frame %s", f.Payload)
	case <-time.After(d):
	}
}

type wireError struct {
	Code    jsonrpc.ErrorCode `json:"code"`
	Message string            `json:"message"`
	Data    jsonrpc.ErrorData `json:"data"`
}

type wireMsg struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

func decode(t *testing.T, f Frame) wireMsg {
	t.Helper()
	var m wireMsg
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		t.Fatalf("frame is not JSON: %v: %s", err, f.Payload)
	}
	return m
}

func newTestEngine(t *testing.T, ds []*tools.Descriptor, opts ...EngineOption) *Engine {
	t.Helper()
	reg := tools.NewRegistry()
	reg.MustRegister(ds...)
	reg.Seal()

	log := slog.New(slog.DiscardHandler)
	d := dispatch.New(dispatch.WithLogger(log))
	e := NewEngine(reg, d, memoryhost.New(), append([]EngineOption{WithLogger(log)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
		_ = d.Close(ctx)
	})
	return e
}

func openSession(t *testing.T, e *Engine, conn Conn, streaming bool) *Session {
	t.Helper()
	init := &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "0.0.1"},
	}
	if streaming {
		init.Capabilities.Experimental = map[string]json.RawMessage{mcp.StreamingCapability: json.RawMessage(`{}`)}
	}
	s, _, err := e.Open(context.Background(), conn, "client-"+t.Name(), init)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func send(t *testing.T, e *Engine, s *Session, raw string) {
	t.Helper()
	if err := e.HandleMessage(context.Background(), s.ID(), []byte(raw)); err != nil {
		t.Fatalf("HandleMessage(%s): %v", raw, err)
	}
}

func callTool(t *testing.T, e *Engine, s *Session, id int, params string) {
	t.Helper()
	send(t, e, s, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":%s}`, id, params))
}

func echoTool() *tools.Descriptor {
	type args struct {
		Input string `json:"input"`
	}
	return tools.NewTool("echo", func(ctx context.Context, w tools.ResultWriter, a args) error {
		return w.AppendText(a.Input)
	})
}

// hangingTool blocks until release is called, ignoring its context.
func hangingTool(name string) (*tools.Descriptor, func()) {
	ch := make(chan struct{})
	d := &tools.Descriptor{
		Name:     name,
		Affinity: dispatch.CallerContext,
		Handler: tools.UnaryFunc(func(ctx context.Context, req *tools.Request) (*mcp.CallToolResult, error) {
			<-ch
			return tools.TextResult("late"), nil
		}),
	}
	return d, func() { close(ch) }
}

func TestNegotiateVersion(t *testing.T) {
	cases := []struct {
		requested string
		want      string
		fail      bool
	}{
		{requested: "2025-06-18", want: "2025-06-18"},
		{requested: "2024-11-05", want: "2024-11-05"},
		{requested: "2026-01-01", want: mcp.LatestProtocolVersion},
		{requested: "2025-05-01", want: "2025-03-26"},
		{requested: "2024-01-01", fail: true},
		{requested: "latest", fail: true},
		{requested: "", fail: true},
	}
	for _, tc := range cases {
		got, err := negotiateVersion(tc.requested)
		if tc.fail {
			if !errors.Is(err, ErrHandshakeFailed) {
				t.Fatalf("negotiateVersion(%q) error = %v, want ErrHandshakeFailed", tc.requested, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("negotiateVersion(%q) = %q, %v; want %q", tc.requested, got, err, tc.want)
		}
	}
}

func TestOpenReturnsCapabilitiesAndServerInfo(t *testing.T) {
	e := newTestEngine(t, []*tools.Descriptor{echoTool()})
	init := &mcp.InitializeRequest{
		ProtocolVersion: "2030-01-01",
		Capabilities:    mcp.ClientCapabilities{Sampling: &struct{}{}},
	}
	s, res, err := e.Open(context.Background(), newTestConn(true), "alice", init)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion || s.ProtocolVersion() != mcp.LatestProtocolVersion {
		t.Fatalf("negotiated %q", res.ProtocolVersion)
	}
	if res.ServerInfo.Name != "mcp-ide-gateway" || res.ServerInfo.Version != "1.0.0" {
		t.Fatalf("server info = %+v", res.ServerInfo)
	}
	if res.Capabilities.Tools == nil || res.Capabilities.Experimental[mcp.StreamingCapability] == nil {
		t.Fatalf("capabilities = %+v", res.Capabilities)
	}
	if !s.Has(CapSampling) || s.Has(CapStreaming) || s.Has(CapRoots) {
		t.Fatalf("client capabilities not recorded")
	}
	if s.State() != SessionOpening {
		t.Fatalf("state = %s before initialized", s.State())
	}
	send(t, e, s, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if s.State() != SessionOpen {
		t.Fatalf("state = %s after initialized", s.State())
	}
}

func TestOpenEnforcesPerClientLimit(t *testing.T) {
	e := newTestEngine(t, nil, WithMaxSessionsPerClient(1))
	init := &mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion}

	first, _, err := e.Open(context.Background(), newTestConn(true), "bob", init)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_, _, err = e.Open(context.Background(), newTestConn(true), "bob", init)
	if !errors.Is(err, ErrHandshakeFailed) || !errors.Is(err, sessions.ErrTooManySessions) {
		t.Fatalf("second Open error = %v", err)
	}
	if _, _, err := e.Open(context.Background(), newTestConn(true), "carol", init); err != nil {
		t.Fatalf("other client Open: %v", err)
	}

	if err := e.Close(context.Background(), first.ID(), nil); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := e.Open(context.Background(), newTestConn(true), "bob", init); err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	e := newTestEngine(t, []*tools.Descriptor{echoTool()})
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	callTool(t, e, s, 7, `{"name":"echo","arguments":{"input":"x"}}`)
	f := conn.next(t)
	if !f.Terminal || f.CorrelationID != "7" {
		t.Fatalf("frame = %+v", f)
	}
	m := decode(t, f)
	var res mcp.CallToolResult
	if err := json.Unmarshal(m.Result, &res); err != nil {
		t.Fatalf("result: %v: %s", err, f.Payload)
	}
	if diff := cmp.Diff([]mcp.ContentBlock{mcp.Text("x")}, res.Content); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
	if string(m.ID) != "7" {
		t.Fatalf("id = %s", m.ID)
	}
}

func TestInvalidCallsAreNeverDispatched(t *testing.T) {
	var calls atomic.Int32
	counted := &tools.Descriptor{
		Name: "search_text",
		InputSchema: tools.Object().
			Required("query", tools.String("Text to search for")).
			Build(),
		Handler: tools.UnaryFunc(func(ctx context.Context, req *tools.Request) (*mcp.CallToolResult, error) {
			calls.Add(1)
			return tools.TextResult("ok"), nil
		}),
	}
	e := newTestEngine(t, []*tools.Descriptor{counted})
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	cases := []struct {
		params string
		code   jsonrpc.ErrorCode
		kind   string
	}{
		{`{"name":"search_text","arguments":{"query":3}}`, jsonrpc.ErrorCodeInvalidParams, KindSchemaViolation},
		{`{"name":"search_text"}`, jsonrpc.ErrorCodeInvalidParams, KindSchemaViolation},
		{`{"name":"nope","arguments":{}}`, jsonrpc.ErrorCodeInvalidParams, KindNotFound},
		{`{"arguments":{}}`, jsonrpc.ErrorCodeInvalidParams, KindInvalidParams},
	}
	for i, tc := range cases {
		callTool(t, e, s, i+1, tc.params)
		m := decode(t, conn.next(t))
		if m.Error == nil || m.Error.Code != tc.code || m.Error.Data.Kind != tc.kind {
			t.Fatalf("%s: response = %+v", tc.params, m.Error)
		}
		if tc.kind == KindSchemaViolation && len(m.Error.Data.Details) == 0 {
			t.Fatalf("%s: schema violation without details", tc.params)
		}
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler ran %d times", n)
	}
	if len(s.Pending()) != 0 {
		t.Fatalf("rejected calls left pending requests")
	}
}

func TestTimeoutAgainstNeverReturningHandler(t *testing.T) {
	hang, release := hangingTool("hang")
	e := newTestEngine(t, []*tools.Descriptor{hang})
	t.Cleanup(release)
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	start := time.Now()
	callTool(t, e, s, 1, `{"name":"hang","_meta":{"timeoutMs":100}}`)
	m := decode(t, conn.next(t))
	elapsed := time.Since(start)

	if m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeRequestTimeout || m.Error.Data.Kind != KindTimeout {
		t.Fatalf("response = %+v", m.Error)
	}
	if elapsed < 100*time.Millisecond || elapsed > 150*time.Millisecond {
		t.Fatalf("timeout delivered after %s", elapsed)
	}
	if len(s.Pending()) != 0 {
		t.Fatalf("timed out request still pending")
	}
}

func TestDefaultTimeoutApplies(t *testing.T) {
	hang, release := hangingTool("hang")
	e := newTestEngine(t, []*tools.Descriptor{hang}, WithRequestTimeout(30*time.Millisecond))
	t.Cleanup(release)
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	callTool(t, e, s, 1, `{"name":"hang"}`)
	if m := decode(t, conn.next(t)); m.Error == nil || m.Error.Data.Kind != KindTimeout {
		t.Fatalf("response = %+v", m.Error)
	}
}

func TestLateResultAfterTimeoutIsDropped(t *testing.T) {
	release := make(chan struct{})
	slow := &tools.Descriptor{
		Name:     "slow",
		Affinity: dispatch.CallerContext,
		Handler: tools.UnaryFunc(func(ctx context.Context, req *tools.Request) (*mcp.CallToolResult, error) {
			<-release
			return tools.TextResult("late"), nil
		}),
	}
	e := newTestEngine(t, []*tools.Descriptor{slow})
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	callTool(t, e, s, 1, `{"name":"slow","_meta":{"timeoutMs":20}}`)
	if m := decode(t, conn.next(t)); m.Error == nil || m.Error.Data.Kind != KindTimeout {
		t.Fatalf("expected timeout first")
	}
	close(release)
	conn.quiet(t, 100*time.Millisecond)
}

func TestDuplicateInFlightIDIsRejected(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	gated := &tools.Descriptor{
		Name:     "gated",
		Affinity: dispatch.CallerContext,
		Handler: tools.UnaryFunc(func(ctx context.Context, req *tools.Request) (*mcp.CallToolResult, error) {
			if calls.Add(1) == 1 {
				<-release
			}
			return tools.TextResult("done"), nil
		}),
	}
	e := newTestEngine(t, []*tools.Descriptor{gated})
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	callTool(t, e, s, 1, `{"name":"gated"}`)
	callTool(t, e, s, 1, `{"name":"gated"}`)
	m := decode(t, conn.next(t))
	if m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("duplicate id response = %+v", m)
	}

	close(release)
	if m := decode(t, conn.next(t)); m.Error != nil {
		t.Fatalf("first call failed: %+v", m.Error)
	}

	callTool(t, e, s, 1, `{"name":"gated"}`)
	if m := decode(t, conn.next(t)); m.Error != nil {
		t.Fatalf("reused id after completion failed: %+v", m.Error)
	}
}

func TestCancelledNotificationCancelsRequest(t *testing.T) {
	cooperative := &tools.Descriptor{
		Name: "wait",
		Handler: tools.UnaryFunc(func(ctx context.Context, req *tools.Request) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	e := newTestEngine(t, []*tools.Descriptor{cooperative})
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	callTool(t, e, s, 4, `{"name":"wait"}`)
	p, ok := s.Lookup("4")
	if !ok {
		t.Fatalf("request not pending")
	}
	send(t, e, s, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":4,"reason":"user abort"}}`)

	m := decode(t, conn.next(t))
	if m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeRequestCancelled || m.Error.Data.Kind != KindCancelled {
		t.Fatalf("response = %+v", m.Error)
	}
	if p.State() != RequestCancelled || !errors.Is(p.Err(), dispatch.ErrCancelled) {
		t.Fatalf("state = %s, err = %v", p.State(), p.Err())
	}
	conn.quiet(t, 50*time.Millisecond)
}

func TestCancelRacingDispatchLeavesNoPendingRequest(t *testing.T) {
	cooperative := &tools.Descriptor{
		Name:     "wait",
		Affinity: dispatch.CallerContext,
		Handler: tools.UnaryFunc(func(ctx context.Context, req *tools.Request) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	e := newTestEngine(t, []*tools.Descriptor{cooperative})
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	for i := 0; i < 100; i++ {
		cancelled := make(chan struct{})
		go func() {
			defer close(cancelled)
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if e.CancelRequest(s.ID(), "7", errors.New("abort")) {
					return
				}
				runtime.Gosched()
			}
		}()
		callTool(t, e, s, 7, `{"name":"wait"}`)
		<-cancelled

		m := decode(t, conn.next(t))
		if m.Error == nil || m.Error.Data.Kind != KindCancelled {
			t.Fatalf("round %d: response = %+v", i, m.Error)
		}
		deadline := time.Now().Add(2 * time.Second)
		for len(s.Pending()) != 0 {
			if time.Now().After(deadline) {
				t.Fatalf("round %d: cancelled request still pending", i)
			}
			time.Sleep(time.Millisecond)
		}
	}

	var g dto.Metric
	if err := e.metrics.pending.Write(&g); err != nil {
		t.Fatalf("read pending gauge: %v", err)
	}
	if v := g.GetGauge().GetValue(); v != 0 {
		t.Fatalf("pending gauge = %v, want 0", v)
	}
}

func TestHandlerFailuresBecomeDispatchFailures(t *testing.T) {
	ds := []*tools.Descriptor{
		{Name: "boom", Handler: tools.UnaryFunc(func(ctx context.Context, req *tools.Request) (*mcp.CallToolResult, error) {
			panic("host exploded")
		})},
		{Name: "fail", Handler: tools.UnaryFunc(func(ctx context.Context, req *tools.Request) (*mcp.CallToolResult, error) {
			return nil, errors.New("no project open")
		})},
	}
	e := newTestEngine(t, append(ds, echoTool()))
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	for i, name := range []string{"boom", "fail"} {
		callTool(t, e, s, i+1, fmt.Sprintf(`{"name":%q}`, name))
		m := decode(t, conn.next(t))
		if m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeInternalError || m.Error.Data.Kind != KindDispatchFailure {
			t.Fatalf("%s: response = %+v", name, m.Error)
		}
		if m.Error.Data.Cause == "" {
			t.Fatalf("%s: missing cause", name)
		}
	}

	callTool(t, e, s, 3, `{"name":"echo","arguments":{"input":"still alive"}}`)
	if m := decode(t, conn.next(t)); m.Error != nil {
		t.Fatalf("host queue stopped after failures: %+v", m.Error)
	}
}

func TestPingListAndUnknownMethods(t *testing.T) {
	e := newTestEngine(t, []*tools.Descriptor{echoTool()})
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	send(t, e, s, `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	if m := decode(t, conn.next(t)); string(m.Result) != "{}" {
		t.Fatalf("ping result = %s", m.Result)
	}

	send(t, e, s, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	var list mcp.ListToolsResult
	if err := json.Unmarshal(decode(t, conn.next(t)).Result, &list); err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", list.Tools)
	}

	send(t, e, s, `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`)
	if m := decode(t, conn.next(t)); m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("unknown method response = %+v", m)
	}

	send(t, e, s, `{"jsonrpc":"2.0","id":4,"method":"initialize","params":{}}`)
	if m := decode(t, conn.next(t)); m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("second initialize response = %+v", m)
	}

	if err := e.HandleMessage(context.Background(), s.ID(), []byte(`{"jsonrpc":"1.0"`)); err == nil {
		t.Fatalf("malformed message accepted")
	}
	if m := decode(t, conn.next(t)); m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeParseError || string(m.ID) != "null" {
		t.Fatalf("parse error response = %+v", m)
	}

	if err := e.HandleMessage(context.Background(), "missing", []byte(`{}`)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session error = %v", err)
	}
}

// countingStream produces n numbered chunks and counts every pull.
func countingStream(name string, n int32, pulls *atomic.Int32) *tools.Descriptor {
	return &tools.Descriptor{
		Name: name,
		Handler: tools.StreamFunc(func(ctx context.Context, req *tools.Request) (tools.Producer, error) {
			return tools.ProducerFunc(func(ctx context.Context) ([]mcp.ContentBlock, error) {
				i := pulls.Add(1)
				if i > n {
					return nil, io.EOF
				}
				return []mcp.ContentBlock{mcp.Text(strconv.Itoa(int(i)))}, nil
			}), nil
		}),
	}
}

func TestWatermarkHaltsAndResumesProducer(t *testing.T) {
	var pulls atomic.Int32
	e := newTestEngine(t, []*tools.Descriptor{countingStream("numbers", 20, &pulls)}, WithWatermark(4))
	conn := newTestConn(true)
	conn.gate = make(chan struct{})
	s := openSession(t, e, conn, true)

	callTool(t, e, s, 1, `{"name":"numbers"}`)

	deadline := time.Now().Add(5 * time.Second)
	for pulls.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := pulls.Load(); n != 4 {
		t.Fatalf("producer pulled %d chunks with nothing delivered, want 4", n)
	}

	close(conn.gate)
	for want := uint64(1); want <= 20; want++ {
		m := decode(t, conn.next(t))
		if m.Method != string(mcp.ToolChunkNotificationMethod) {
			t.Fatalf("frame %d is %s", want, m.Method)
		}
		var chunk mcp.ToolChunkNotificationParams
		if err := json.Unmarshal(m.Params, &chunk); err != nil {
			t.Fatalf("chunk params: %v", err)
		}
		if chunk.Sequence != want || chunk.Content[0].Text != strconv.FormatUint(want, 10) {
			t.Fatalf("chunk = %+v, want sequence %d", chunk, want)
		}
	}
	f := conn.next(t)
	if m := decode(t, f); !f.Terminal || m.Error != nil || m.Result == nil {
		t.Fatalf("final frame = %s", f.Payload)
	}
}

func TestNonStreamingClientGetsAggregatedResult(t *testing.T) {
	var pulls atomic.Int32
	e := newTestEngine(t, []*tools.Descriptor{countingStream("numbers", 3, &pulls)})
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	callTool(t, e, s, 1, `{"name":"numbers"}`)
	m := decode(t, conn.next(t))
	var res mcp.CallToolResult
	if err := json.Unmarshal(m.Result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	want := []mcp.ContentBlock{mcp.Text("1"), mcp.Text("2"), mcp.Text("3")}
	if diff := cmp.Diff(want, res.Content); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
	conn.quiet(t, 20*time.Millisecond)
}

func TestAggregatedResultIsBounded(t *testing.T) {
	var pulls atomic.Int32
	e := newTestEngine(t, []*tools.Descriptor{countingStream("numbers", 100000, &pulls)},
		WithWatermark(4), WithAggregateLimit(64))
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	callTool(t, e, s, 1, `{"name":"numbers"}`)
	m := decode(t, conn.next(t))
	var res mcp.CallToolResult
	if err := json.Unmarshal(m.Result, &res); err != nil {
		t.Fatalf("result: %v (%+v)", err, m.Error)
	}
	// "1".."9" and "10".."36" fit in 63 bytes; "37" crosses the limit.
	if n := pulls.Load(); n != 37 {
		t.Fatalf("producer pulled %d chunks, want 37", n)
	}
	if !res.IsError || len(res.Content) != 37 {
		t.Fatalf("result = error %v with %d blocks", res.IsError, len(res.Content))
	}
	if note := res.Content[36].Text; !strings.Contains(note, "exceeds 64 bytes") {
		t.Fatalf("note = %q", note)
	}
	conn.quiet(t, 20*time.Millisecond)
}

func TestHostStreamYieldsToQueuedHostWork(t *testing.T) {
	stop := make(chan struct{})
	started := make(chan struct{})
	var once atomic.Bool
	flood := &tools.Descriptor{
		Name:     "flood",
		Affinity: dispatch.HostExclusive,
		Handler: tools.StreamFunc(func(ctx context.Context, req *tools.Request) (tools.Producer, error) {
			return tools.ProducerFunc(func(ctx context.Context) ([]mcp.ContentBlock, error) {
				if once.CompareAndSwap(false, true) {
					close(started)
				}
				select {
				case <-stop:
					return nil, io.EOF
				case <-time.After(time.Millisecond):
				}
				return []mcp.ContentBlock{mcp.Text(".")}, nil
			}), nil
		}),
	}
	e := newTestEngine(t, []*tools.Descriptor{flood}, WithFairnessQuota(5*time.Millisecond))
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	callTool(t, e, s, 1, `{"name":"flood"}`)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("producer never started")
	}

	h := e.disp.Submit(context.Background(), dispatch.HostExclusive, dispatch.Run(func(ctx context.Context) (any, error) {
		return "ran", nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("queued host task did not run while the stream was producing: %v", err)
	}
	if v != "ran" {
		t.Fatalf("host task result = %v", v)
	}

	close(stop)
	m := decode(t, conn.next(t))
	if m.Error != nil || m.Result == nil {
		t.Fatalf("final frame = %+v", m)
	}
}

// steppedStream waits for step before producing its chunks.
func steppedStream(name string, chunks int, step <-chan struct{}) *tools.Descriptor {
	return &tools.Descriptor{
		Name:     name,
		Affinity: dispatch.CallerContext,
		Handler: tools.StreamFunc(func(ctx context.Context, req *tools.Request) (tools.Producer, error) {
			<-step
			out := make([][]mcp.ContentBlock, chunks)
			for i := range out {
				out[i] = []mcp.ContentBlock{mcp.Text(name)}
			}
			return tools.SliceProducer(out...), nil
		}),
	}
}

func deliveryOrder(t *testing.T, multiplexed bool) []string {
	t.Helper()
	step := make(chan struct{})
	ready := make(chan struct{})
	close(ready)
	e := newTestEngine(t, []*tools.Descriptor{steppedStream("slow", 3, step), steppedStream("fast", 2, ready)})
	conn := newTestConn(multiplexed)
	s := openSession(t, e, conn, true)

	callTool(t, e, s, 1, `{"name":"slow"}`)
	callTool(t, e, s, 2, `{"name":"fast"}`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := s.Lookup("2"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fast request never finished")
		}
		time.Sleep(time.Millisecond)
	}
	close(step)

	var order []string
	for range 7 {
		order = append(order, conn.next(t).CorrelationID)
	}
	return order
}

func TestSerializedConnDeliversRequestsInArrivalOrder(t *testing.T) {
	got := deliveryOrder(t, false)
	want := []string{"1", "1", "1", "1", "2", "2", "2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("delivery order mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiplexedConnDoesNotBlockOnSlowRequests(t *testing.T) {
	got := deliveryOrder(t, true)
	want := []string{"2", "2", "2", "1", "1", "1", "1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("delivery order mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseCancelsPendingWithoutLateDelivery(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	hang := &tools.Descriptor{
		Name:     "hang",
		Affinity: dispatch.CallerContext,
		Handler: tools.UnaryFunc(func(ctx context.Context, req *tools.Request) (*mcp.CallToolResult, error) {
			<-release
			finished.Store(true)
			return tools.TextResult("late"), nil
		}),
	}
	e := newTestEngine(t, []*tools.Descriptor{hang})
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	callTool(t, e, s, 1, `{"name":"hang"}`)
	callTool(t, e, s, 2, `{"name":"hang"}`)
	pending := s.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d", len(pending))
	}

	if err := e.Close(context.Background(), s.ID(), errors.New("client went away")); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, p := range pending {
		if p.State() != RequestCancelled || !errors.Is(p.Err(), ErrSessionClosed) {
			t.Fatalf("request %s: state = %s, err = %v", p.CorrelationID, p.State(), p.Err())
		}
	}
	if !conn.closed.Load() || s.State() != SessionClosed {
		t.Fatalf("conn closed = %v, state = %s", conn.closed.Load(), s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("session Done not closed")
	}

	for len(conn.frames) > 0 {
		<-conn.frames
	}
	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for !finished.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	conn.quiet(t, 50*time.Millisecond)

	if err := e.HandleMessage(context.Background(), s.ID(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("message after close error = %v", err)
	}
	if err := e.Close(context.Background(), s.ID(), nil); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestProgressIsForwardedWhenRequested(t *testing.T) {
	progress := &tools.Descriptor{
		Name: "index",
		Handler: tools.UnaryFunc(func(ctx context.Context, req *tools.Request) (*mcp.CallToolResult, error) {
			if err := tools.ReportProgress(ctx, 1, 2, "half"); err != nil {
				return nil, err
			}
			return tools.TextResult("indexed"), nil
		}),
	}
	e := newTestEngine(t, []*tools.Descriptor{progress})
	conn := newTestConn(true)
	s := openSession(t, e, conn, false)

	callTool(t, e, s, 1, `{"name":"index","_meta":{"progressToken":"tok"}}`)
	m := decode(t, conn.next(t))
	if m.Method != string(mcp.ProgressNotificationMethod) {
		t.Fatalf("first frame = %s", m.Method)
	}
	var params mcp.ProgressNotificationParams
	if err := json.Unmarshal(m.Params, &params); err != nil {
		t.Fatalf("progress params: %v", err)
	}
	if params.ProgressToken != "tok" || params.Progress != 1 || params.Total != 2 {
		t.Fatalf("progress = %+v", params)
	}
	if f := conn.next(t); !f.Terminal {
		t.Fatalf("second frame not terminal: %s", f.Payload)
	}

	callTool(t, e, s, 2, `{"name":"index"}`)
	if f := conn.next(t); !f.Terminal {
		t.Fatalf("progress sent without a token: %s", f.Payload)
	}
}

func TestDisconnectedStreamCancelsRequest(t *testing.T) {
	step := make(chan struct{})
	e := newTestEngine(t, []*tools.Descriptor{steppedStream("numbers", 10, step)}, WithWatermark(2))
	s := openSession(t, e, disconnectingConn{}, true)

	callTool(t, e, s, 9, `{"name":"numbers"}`)
	p, ok := s.Lookup("9")
	if !ok {
		t.Fatalf("request not pending")
	}
	close(step)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("request survived a disconnected stream")
	}
	if p.State() != RequestCancelled || !errors.Is(p.Err(), ErrDisconnected) {
		t.Fatalf("state = %s, err = %v", p.State(), p.Err())
	}
	if _, ok := s.Lookup("9"); ok {
		t.Fatalf("disconnected request still pending")
	}
}

// disconnectingConn refuses every frame as if the request's stream was gone.
type disconnectingConn struct{}

func (disconnectingConn) SendFrame(ctx context.Context, f Frame) error { return ErrDisconnected }
func (disconnectingConn) Multiplexed() bool                            { return true }
func (disconnectingConn) Close() error                                 { return nil }

func TestBackpressuredFramesAreRetried(t *testing.T) {
	e := newTestEngine(t, []*tools.Descriptor{echoTool()})
	conn := &flakyConn{testConn: newTestConn(true)}
	conn.refusals.Store(3)
	s := openSession(t, e, conn, false)

	callTool(t, e, s, 1, `{"name":"echo","arguments":{"input":"x"}}`)
	if m := decode(t, conn.next(t)); m.Error != nil {
		t.Fatalf("response = %+v", m.Error)
	}
	if n := conn.refusals.Load(); n != 0 {
		t.Fatalf("%d refusals left", n)
	}
}

// flakyConn reports backpressure for the first refusals sends.
type flakyConn struct {
	*testConn
	refusals atomic.Int32
}

func (c *flakyConn) SendFrame(ctx context.Context, f Frame) error {
	if c.refusals.Add(-1) >= 0 {
		return ErrBackpressureExceeded
	}
	c.refusals.Store(0)
	return c.testConn.SendFrame(ctx, f)
}
