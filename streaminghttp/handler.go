package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/orekyuu/mcp-ide-gateway/auth"
	"github.com/orekyuu/mcp-ide-gateway/internal/engine"
	"github.com/orekyuu/mcp-ide-gateway/internal/jsonrpc"
	"github.com/orekyuu/mcp-ide-gateway/internal/logctx"
	"github.com/orekyuu/mcp-ide-gateway/internal/wellknown"
	"github.com/orekyuu/mcp-ide-gateway/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	defaultKeepAlive    = 30 * time.Second
	defaultStreamBuffer = 16
)

// errClientDeleted is the close reason of sessions ended by DELETE.
var errClientDeleted = errors.New("session deleted by client")

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. We do NOT claim JSON-RPC framing here; this is
// transport-level. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	serverName   string
	logger       *slog.Logger
	auth         auth.Authenticator
	realm        string
	keepAlive    time.Duration
	streamBuffer int
	metricsPath  string
	gatherer     prometheus.Gatherer
}

// WithServerName sets a human-readable server name surfaced in the protected
// resource metadata.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithLogger sets the logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuthenticator requires a bearer token on every MCP request. The
// authenticated user id becomes the session's client key. Without an
// authenticator the client key is the remote host.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.auth = a }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithKeepAliveInterval sets how often idle session streams receive an SSE
// comment. Defaults to 30s.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.keepAlive = d
		}
	}
}

// WithStreamBuffer sets how many frames each SSE stream buffers before the
// conn reports backpressure to the engine.
func WithStreamBuffer(n int) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.streamBuffer = n
		}
	}
}

// WithMetrics serves the collectors of g in the Prometheus text format at
// path.
func WithMetrics(path string, g prometheus.Gatherer) Option {
	return func(c *newConfig) {
		c.metricsPath = path
		c.gatherer = g
	}
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", resource_metadata="...", error="...", error_description="..."
//
// Realm and resource_metadata are omitted if empty.
func buildBearerChallenge(realm string, resourceMetadata string, errCode, desc string) string {
	pieces := make([]string, 0, 4)
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if errCode != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(errCode)))
	}
	if desc != "" {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(desc)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// StreamingHTTPHandler implements the streamable HTTP transport of the Model
// Context Protocol on top of the gateway engine.
type StreamingHTTPHandler struct {
	mux  *http.ServeMux
	log  *slog.Logger
	eng  *engine.Engine
	auth auth.Authenticator

	realm        string
	keepAlive    time.Duration
	streamBuffer int

	prmDocument    *wellknown.ProtectedResourceMetadata
	prmDocumentURL string

	conns sync.Map // session id -> *conn
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler serving the MCP endpoint at the path
// of publicEndpoint. Sessions are opened on eng, which must be running.
func New(publicEndpoint string, eng *engine.Engine, opts ...Option) (*StreamingHTTPHandler, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), keepAlive: defaultKeepAlive, streamBuffer: defaultStreamBuffer}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	h := &StreamingHTTPHandler{
		log:          slog.New(logctx.New(cfg.logger.Handler())),
		eng:          eng,
		auth:         cfg.auth,
		realm:        cfg.realm,
		keepAlive:    cfg.keepAlive,
		streamBuffer: cfg.streamBuffer,
	}

	path := pathOnly(mcpURL)
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+path, h.handlePostMCP)
	mux.HandleFunc("GET "+path, h.handleGetMCP)
	mux.HandleFunc("DELETE "+path, h.handleDeleteMCP)

	if rm, ok := cfg.auth.(auth.ResourceMetadata); ok {
		prmPath := wellknown.ProtectedResourcePath(mcpURL.Path)
		h.prmDocument = &wellknown.ProtectedResourceMetadata{
			Resource:               mcpURL.String(),
			AuthorizationServers:   rm.AuthorizationServers(),
			ScopesSupported:        rm.ScopesSupported(),
			BearerMethodsSupported: []string{"header"},
			ResourceName:           cfg.serverName,
		}
		h.prmDocumentURL = (&url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host, Path: prmPath}).String()
		mux.HandleFunc("GET "+prmPath, h.handleGetProtectedResourceMetadata)
		mux.HandleFunc("OPTIONS "+prmPath, h.handleOptionsProtectedResourceMetadata)
	}
	if cfg.gatherer != nil && cfg.metricsPath != "" {
		mux.Handle("GET "+cfg.metricsPath, promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{}))
	}
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// lookup resolves the session named by the request header and checks that it
// belongs to clientKey.
func (h *StreamingHTTPHandler) lookup(sessID, clientKey string) (*engine.Session, *conn, bool) {
	v, ok := h.conns.Load(sessID)
	if !ok {
		return nil, nil, false
	}
	sess, ok := h.eng.Session(sessID)
	if !ok {
		h.conns.Delete(sessID)
		return nil, nil, false
	}
	if sess.ClientKey() != clientKey {
		return nil, nil, false
	}
	return sess, v.(*conn), true
}

func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	clientKey, ok := h.authenticate(ctx, r, w)
	if !ok {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   string(msg.Type()),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.initialize(ctx, w, msg, clientKey, start)
		return
	}

	sess, c, ok := h.lookup(sessID, clientKey)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		ClientKey:       clientKey,
		ProtocolVersion: sess.ProtocolVersion(),
	})
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && pv != sess.ProtocolVersion() {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	if msg.Type() != jsonrpc.TypeRequest {
		if err := h.eng.HandleMessage(ctx, sessID, raw); err != nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
			return
		}
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
		w.WriteHeader(http.StatusAccepted)
		h.log.DebugContext(ctx, "notification.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	corrID := msg.ID.String()
	st, ok := c.register(corrID)
	if !ok {
		writeJSONError(w, http.StatusConflict, "request id already in flight")
		h.log.InfoContext(ctx, "rpc.inbound.duplicate")
		return
	}
	defer c.unregister(corrID, st)

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	if err := h.eng.HandleMessage(ctx, sessID, raw); err != nil {
		h.log.InfoContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		return
	}

	for {
		select {
		case fr := <-st.frames:
			if err := writeSSEEvent(wf, uuid.NewString(), fr.Payload); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				c.unregister(corrID, st)
				h.eng.CancelRequest(sessID, corrID, err)
				return
			}
			if fr.Terminal && fr.CorrelationID == corrID {
				h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
				return
			}
		case <-ctx.Done():
			// The client went away; its request must not outlive the stream.
			c.unregister(corrID, st)
			h.eng.CancelRequest(sessID, corrID, fmt.Errorf("request stream closed: %w", context.Cause(ctx)))
			h.log.InfoContext(ctx, "rpc.inbound.disconnect")
			return
		case <-c.done:
			h.log.InfoContext(ctx, "rpc.inbound.session_closed")
			return
		}
	}
}

func (h *StreamingHTTPHandler) initialize(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage, clientKey string, start time.Time) {
	req := msg.AsRequest()
	if req == nil || msg.Type() != jsonrpc.TypeRequest || req.Method != string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusBadRequest, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
		h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}

	c := newConn(h.streamBuffer)
	sess, res, err := h.eng.Open(ctx, c, clientKey, &initReq)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrHandshakeFailed) {
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(engine.ErrorResponse(req.ID, err))
		h.log.InfoContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	h.conns.Store(sess.ID(), c)
	go func() {
		<-sess.Done()
		h.conns.Delete(sess.ID())
	}()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), ClientKey: clientKey, ProtocolVersion: res.ProtocolVersion})
	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set(mcpSessionIDHeader, sess.ID())
	w.Header().Set(mcpProtocolVersionHeader, res.ProtocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handleGetMCP serves the session stream: frames that have no live request
// stream plus periodic keep-alive comments.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	clientKey, ok := h.authenticate(ctx, r, w)
	if !ok {
		return
	}
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, c, ok := h.lookup(sessID, clientKey)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), ClientKey: clientKey, ProtocolVersion: sess.ProtocolVersion()})

	st, ok := c.attach()
	if !ok {
		writeJSONError(w, http.StatusConflict, "session stream already open")
		h.log.InfoContext(ctx, "sse.stream.conflict")
		return
	}
	defer c.detach(st)

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()
	h.log.InfoContext(ctx, "sse.stream.start")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case fr := <-st.frames:
			if err := writeSSEEvent(wf, uuid.NewString(), fr.Payload); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-ticker.C:
			if err := writeSSEComment(wf, "keepalive"); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			h.eng.Touch(sessID)
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return
		case <-c.done:
			h.log.InfoContext(ctx, "sse.stream.session_closed")
			return
		}
	}
}

// handleDeleteMCP terminates a session, cancelling its in-flight requests.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientKey, ok := h.authenticate(ctx, r, w)
	if !ok {
		return
	}
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}
	sess, _, ok := h.lookup(sessID, clientKey)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	if err := h.eng.Close(ctx, sess.ID(), errClientDeleted); err != nil {
		h.log.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}
	h.conns.Delete(sessID)
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok", slog.String("session_id", sessID))
}

func (h *StreamingHTTPHandler) handleOptionsProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the OAuth2 Protected Resource Metadata document.
func (h *StreamingHTTPHandler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(h.prmDocument); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
	}
}

// authenticate returns the client key of the request. When it reports false
// a response has already been written.
func (h *StreamingHTTPHandler) authenticate(ctx context.Context, r *http.Request, w http.ResponseWriter) (string, bool) {
	if h.auth == nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return host, true
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 section 3.1: no error code when credentials are absent.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL, "", ""))
		w.WriteHeader(http.StatusUnauthorized)
		return "", false
	}

	const bearerPrefix = "Bearer "
	tok := ""
	if len(authHeader) > len(bearerPrefix) && strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		tok = strings.TrimSpace(authHeader[len(bearerPrefix):])
	}
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL, "invalid_request", "malformed bearer authorization header"))
		w.WriteHeader(http.StatusBadRequest)
		return "", false
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return userInfo.UserID(), true
	case errors.Is(err, auth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL, "insufficient_scope", "token lacks required scope"))
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, auth.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL, "invalid_token", "token validation failed"))
		w.WriteHeader(http.StatusUnauthorized)
	default:
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
	return "", false
}

// writeSSEEvent writes one Server-Sent Event carrying payload as its data
// field and flushes.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if _, err := wf.Write([]byte("event: message\n")); err != nil {
		return fmt.Errorf("failed to write SSE event type: %w", err)
	}
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

func writeSSEComment(wf *lockedWriteFlusher, text string) error {
	if _, err := fmt.Fprintf(wf, ": %s\n\n", text); err != nil {
		return fmt.Errorf("failed to write SSE comment: %w", err)
	}
	wf.Flush()
	return nil
}
