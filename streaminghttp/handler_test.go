package streaminghttp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/orekyuu/mcp-ide-gateway/auth"
	"github.com/orekyuu/mcp-ide-gateway/dispatch"
	"github.com/orekyuu/mcp-ide-gateway/internal/engine"
	"github.com/orekyuu/mcp-ide-gateway/mcp"
	"github.com/orekyuu/mcp-ide-gateway/sessions/memoryhost"
	"github.com/orekyuu/mcp-ide-gateway/streaminghttp"
	"github.com/orekyuu/mcp-ide-gateway/tools"
	"github.com/prometheus/client_golang/prometheus"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"http-test","version":"1.0.0"}}}`

type harness struct {
	srv *httptest.Server
	eng *engine.Engine
	reg *prometheus.Registry
}

func echoTool() *tools.Descriptor {
	type args struct {
		Input string `json:"input"`
	}
	return tools.NewTool("echo", func(ctx context.Context, w tools.ResultWriter, a args) error {
		return w.AppendText(a.Input)
	})
}

func newHarness(t *testing.T, ds []*tools.Descriptor, opts ...streaminghttp.Option) *harness {
	t.Helper()
	registry := tools.NewRegistry()
	registry.MustRegister(ds...)
	registry.Seal()

	log := slog.New(slog.DiscardHandler)
	promReg := prometheus.NewRegistry()
	d := dispatch.New(dispatch.WithLogger(log))
	eng := engine.NewEngine(registry, d, memoryhost.New(), engine.WithLogger(log), engine.WithMetrics(promReg))

	h, err := streaminghttp.New("http://gateway.test/mcp", eng, append([]streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithMetrics("/metrics", promReg),
	}, opts...)...)
	if err != nil {
		t.Fatalf("streaminghttp.New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	// Runs before srv.Close so open streams end with their sessions.
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
		_ = d.Close(ctx)
	})
	return &harness{srv: srv, eng: eng, reg: promReg}
}

func (h *harness) post(t *testing.T, ctx context.Context, sessID, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.srv.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func (h *harness) initialize(t *testing.T, token string) string {
	t.Helper()
	resp := h.post(t, context.Background(), "", token, initializeBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("initialize: status %d: %s", resp.StatusCode, b)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatalf("initialize: missing Mcp-Session-Id header")
	}
	if got := resp.Header.Get("Mcp-Protocol-Version"); got != "2025-06-18" {
		t.Fatalf("initialize: protocol version header %q", got)
	}
	var msg struct {
		Result mcp.InitializeResult `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("initialize: decode: %v", err)
	}
	if msg.Result.ServerInfo.Name != "mcp-ide-gateway" {
		t.Fatalf("initialize: server info %+v", msg.Result.ServerInfo)
	}

	ack := h.post(t, context.Background(), sessID, token, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	ack.Body.Close()
	if ack.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized notification: status %d", ack.StatusCode)
	}
	return sessID
}

type rpcMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int `json:"code"`
		Data struct {
			Kind string `json:"kind"`
		} `json:"data"`
	} `json:"error"`
}

// readEvents collects the data payloads of an SSE body until it ends.
func readEvents(t *testing.T, r io.Reader) []rpcMessage {
	t.Helper()
	var out []rpcMessage
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var m rpcMessage
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil {
			t.Fatalf("event is not JSON: %v: %s", err, line)
		}
		out = append(out, m)
	}
	return out
}

func TestToolCallOverRequestStream(t *testing.T) {
	h := newHarness(t, []*tools.Descriptor{echoTool()})
	sessID := h.initialize(t, "")

	resp := h.post(t, context.Background(), sessID, "", `{"jsonrpc":"2.0","id":"a-1","method":"tools/call","params":{"name":"echo","arguments":{"input":"hi"}}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	events := readEvents(t, resp.Body)
	if len(events) != 1 {
		t.Fatalf("want one event, got %d", len(events))
	}
	if string(events[0].ID) != `"a-1"` {
		t.Fatalf("response id %s", events[0].ID)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(events[0].Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "hi" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGatewayErrorsArriveAsJSONRPCErrors(t *testing.T) {
	h := newHarness(t, []*tools.Descriptor{echoTool()})
	sessID := h.initialize(t, "")

	resp := h.post(t, context.Background(), sessID, "", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope","arguments":{}}}`)
	defer resp.Body.Close()
	events := readEvents(t, resp.Body)
	if len(events) != 1 || events[0].Error == nil {
		t.Fatalf("want one error event, got %+v", events)
	}
	if events[0].Error.Code != -32602 || events[0].Error.Data.Kind != "NotFound" {
		t.Fatalf("unexpected error %+v", events[0].Error)
	}
}

func TestHTTPRejections(t *testing.T) {
	h := newHarness(t, []*tools.Descriptor{echoTool()})
	sessID := h.initialize(t, "")

	tests := []struct {
		name    string
		ctype   string
		sessID  string
		body    string
		want    int
		pvIssue bool
	}{
		{name: "wrong content type", ctype: "text/plain", body: initializeBody, want: http.StatusUnsupportedMediaType},
		{name: "not json", ctype: "application/json", body: `{`, want: http.StatusBadRequest},
		{name: "batch", ctype: "application/json", body: `[` + initializeBody + `]`, want: http.StatusBadRequest},
		{name: "first message not initialize", ctype: "application/json", body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, want: http.StatusBadRequest},
		{name: "unknown session", ctype: "application/json", sessID: "missing", body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, want: http.StatusNotFound},
		{name: "protocol version mismatch", ctype: "application/json", sessID: sessID, body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, want: http.StatusBadRequest, pvIssue: true},
		{name: "unsupported protocol version", ctype: "application/json", body: strings.Replace(initializeBody, "2025-06-18", "2023-01-01", 1), want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/mcp", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.ctype)
			req.Header.Set("Accept", "application/json, text/event-stream")
			if tt.sessID != "" {
				req.Header.Set("Mcp-Session-Id", tt.sessID)
			}
			if tt.pvIssue {
				req.Header.Set("Mcp-Protocol-Version", "2024-11-05")
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status: want %d got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestDeleteClosesSession(t *testing.T) {
	h := newHarness(t, []*tools.Descriptor{echoTool()})
	sessID := h.initialize(t, "")

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, h.srv.URL+"/mcp", nil)
		req.Header.Set("Mcp-Session-Id", sessID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := del(); got != http.StatusNoContent {
		t.Fatalf("delete: status %d", got)
	}
	if _, ok := h.eng.Session(sessID); ok {
		t.Fatalf("session still open after delete")
	}
	if got := del(); got != http.StatusNotFound {
		t.Fatalf("second delete: status %d", got)
	}
	resp := h.post(t, context.Background(), sessID, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post after delete: status %d", resp.StatusCode)
	}
}

func TestClientDisconnectCancelsRequest(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	blocker := &tools.Descriptor{
		Name:     "block",
		Affinity: dispatch.CallerContext,
		Handler: tools.UnaryFunc(func(ctx context.Context, req *tools.Request) (*mcp.CallToolResult, error) {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}),
	}
	h := newHarness(t, []*tools.Descriptor{blocker})
	sessID := h.initialize(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	resp := h.post(t, ctx, sessID, "", `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"block","arguments":{}}}`)
	defer resp.Body.Close()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("tool never started")
	}
	cancel()
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatalf("tool was not cancelled after the client disconnected")
	}
}

func TestSessionStreamKeepAlive(t *testing.T) {
	h := newHarness(t, []*tools.Descriptor{echoTool()}, streaminghttp.WithKeepAliveInterval(20*time.Millisecond))
	sessID := h.initialize(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", resp.StatusCode)
	}

	second, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/mcp", nil)
	second.Header.Set("Accept", "text/event-stream")
	second.Header.Set("Mcp-Session-Id", sessID)
	resp2, err := http.DefaultClient.Do(second)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("second get: status %d", resp2.StatusCode)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read keepalive: %v", err)
	}
	if line != ": keepalive\n" {
		t.Fatalf("unexpected first line %q", line)
	}
}

func TestBearerAuthentication(t *testing.T) {
	secret := []byte("ide-secret")
	authn, err := auth.NewHMAC(secret, "ide")
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	h := newHarness(t, []*tools.Descriptor{echoTool()}, streaminghttp.WithAuthenticator(authn))

	resp := h.post(t, context.Background(), "", "", initializeBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.Contains(challenge, `resource_metadata="http://gateway.test/.well-known/oauth-protected-resource/mcp"`) {
		t.Fatalf("challenge %q", challenge)
	}

	resp = h.post(t, context.Background(), "", "garbage", initializeBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(resp.Header.Get("WWW-Authenticate"), `error="invalid_token"`) {
		t.Fatalf("bad token: status %d challenge %q", resp.StatusCode, resp.Header.Get("WWW-Authenticate"))
	}

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "ide",
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sessID := h.initialize(t, tok)
	s, ok := h.eng.Session(sessID)
	if !ok || s.ClientKey() != "alice" {
		t.Fatalf("session client key: %v %v", ok, s)
	}

	prm, err := http.Get(h.srv.URL + "/.well-known/oauth-protected-resource/mcp")
	if err != nil {
		t.Fatalf("prm: %v", err)
	}
	defer prm.Body.Close()
	var doc struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := json.NewDecoder(prm.Body).Decode(&doc); err != nil {
		t.Fatalf("prm decode: %v", err)
	}
	if doc.Resource != "http://gateway.test/mcp" || len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != "ide" {
		t.Fatalf("unexpected prm %+v", doc)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, []*tools.Descriptor{echoTool()})
	h.initialize(t, "")

	resp, err := http.Get(h.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if want := fmt.Sprintf("gateway_sessions_open %d", 1); !strings.Contains(string(b), want) {
		t.Fatalf("metrics output lacks %q:\n%s", want, b)
	}
}
