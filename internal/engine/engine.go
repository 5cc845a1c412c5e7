package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/orekyuu/mcp-ide-gateway/dispatch"
	"github.com/orekyuu/mcp-ide-gateway/internal/logctx"
	"github.com/orekyuu/mcp-ide-gateway/mcp"
	"github.com/orekyuu/mcp-ide-gateway/sessions"
	"github.com/orekyuu/mcp-ide-gateway/tools"
	"github.com/prometheus/client_golang/prometheus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultWatermark      = 64
	defaultFairnessQuota  = 20 * time.Millisecond
	defaultMaxSessions    = 8
	defaultIdleTTL        = 30 * time.Minute
	defaultLeaseTTL       = 90 * time.Second
	defaultAggregateLimit = 1 << 20
)

// Engine is the protocol core of the gateway. It owns sessions, routes
// inbound messages to tools through the dispatcher and streams results back
// through each session's pipeline. It is transport-agnostic: adapters hand
// it a Conn at initialize and feed every later inbound message to
// HandleMessage.
type Engine struct {
	registry *tools.Registry
	disp     *dispatch.Dispatcher
	host     sessions.SessionHost
	log      *slog.Logger
	metrics  *metrics
	reg      prometheus.Registerer

	requestTimeout time.Duration
	watermark      int
	fairnessQuota  time.Duration
	maxPerClient   int
	idleTTL        time.Duration
	leaseTTL       time.Duration
	sendTimeout    time.Duration
	aggregateLimit int
	serverInfo     mcp.ImplementationInfo
	instructions   string

	sessions sync.Map // id -> *Session
	shutdown atomic.Bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// NewEngine wires an engine. The registry should be sealed before the first
// session opens.
func NewEngine(registry *tools.Registry, disp *dispatch.Dispatcher, host sessions.SessionHost, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:       registry,
		disp:           disp,
		host:           host,
		log:            slog.Default(),
		requestTimeout: defaultRequestTimeout,
		watermark:      defaultWatermark,
		fairnessQuota:  defaultFairnessQuota,
		maxPerClient:   defaultMaxSessions,
		idleTTL:        defaultIdleTTL,
		leaseTTL:       defaultLeaseTTL,
		aggregateLimit: defaultAggregateLimit,
		serverInfo:     mcp.ImplementationInfo{Name: "mcp-ide-gateway", Version: "1.0.0"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.metrics = newMetrics(e.reg)
	return e
}

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithRequestTimeout sets the deadline applied to tool calls that do not
// carry their own. Zero disables it.
func WithRequestTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.requestTimeout = d
		}
	}
}

// WithWatermark sets the number of undelivered frames per request at which
// streaming producers pause.
func WithWatermark(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.watermark = n
		}
	}
}

// WithFairnessQuota bounds how long a host-exclusive producer keeps pulling
// chunks while other host work waits.
func WithFairnessQuota(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.fairnessQuota = d
		}
	}
}

// WithMaxSessionsPerClient limits concurrent sessions per client key. Zero
// means unlimited.
func WithMaxSessionsPerClient(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.maxPerClient = n
		}
	}
}

// WithSessionIdleTTL closes sessions without inbound traffic or in-flight
// requests for d. Zero disables idle closing.
func WithSessionIdleTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.idleTTL = d
		}
	}
}

// WithLeaseTTL sets the TTL of session leases held in the SessionHost. Leases
// of live sessions are refreshed at a third of this interval.
func WithLeaseTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.leaseTTL = d
		}
	}
}

// WithBackpressureTimeout gives up on a frame the transport keeps refusing
// after d and fails its request. Zero retries until the session closes.
func WithBackpressureTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.sendTimeout = d
		}
	}
}

// WithAggregateLimit bounds, in content bytes, the result a streaming tool
// may accumulate for a client without the streaming capability. A producer
// that exceeds it is closed and the call ends with an error result.
func WithAggregateLimit(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.aggregateLimit = n
		}
	}
}

// WithServerInfo overrides the implementation info sent at initialize.
func WithServerInfo(info mcp.ImplementationInfo, instructions string) EngineOption {
	return func(e *Engine) {
		if info.Name != "" {
			e.serverInfo = info
		}
		e.instructions = instructions
	}
}

// WithMetrics registers the engine's collectors.
func WithMetrics(reg prometheus.Registerer) EngineOption {
	return func(e *Engine) { e.reg = reg }
}

// Run refreshes session leases and closes idle sessions until ctx is done,
// then closes every remaining session.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.leaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			e.Shutdown(context.WithoutCancel(ctx))
			return ctx.Err()
		case now := <-t.C:
			e.sweep(ctx, now)
		}
	}
}

func (e *Engine) sweep(ctx context.Context, now time.Time) {
	e.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		lastSeen, idle := s.idleSince()
		if idle && e.idleTTL > 0 && now.Sub(lastSeen) >= e.idleTTL {
			e.log.InfoContext(ctx, "engine.session.idle", slog.String("session_id", s.id), slog.Duration("idle", now.Sub(lastSeen)))
			_ = e.Close(ctx, s.id, ErrSessionIdle)
			return true
		}
		if err := e.host.Refresh(ctx, s.clientKey, s.id, e.leaseTTL); err != nil {
			e.log.WarnContext(ctx, "engine.session.lease_refresh_fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
		}
		return true
	})
}

// Shutdown stops accepting sessions and closes the open ones.
func (e *Engine) Shutdown(ctx context.Context) {
	e.shutdown.Store(true)
	e.sessions.Range(func(k, _ any) bool {
		_ = e.Close(ctx, k.(string), ErrShutdown)
		return true
	})
}

// Open performs the initialize handshake for a new connection. On success
// the engine owns conn and closes it with the session.
func (e *Engine) Open(ctx context.Context, conn Conn, clientKey string, init *mcp.InitializeRequest) (*Session, *mcp.InitializeResult, error) {
	start := time.Now()
	log := e.log.With(slog.String("client", clientKey))

	if e.shutdown.Load() {
		return nil, nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, ErrShutdown)
	}
	if init == nil {
		return nil, nil, fmt.Errorf("%w: missing initialize params", ErrHandshakeFailed)
	}
	version, err := negotiateVersion(init.ProtocolVersion)
	if err != nil {
		log.InfoContext(ctx, "engine.session.handshake_fail", slog.String("err", err.Error()))
		return nil, nil, err
	}

	sctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		id:              uuid.NewString(),
		clientKey:       clientKey,
		protocolVersion: version,
		caps:            capabilitiesOf(init.Capabilities),
		clientInfo:      init.ClientInfo,
		conn:            conn,
		cancel:          cancel,
		pending:         orderedmap.New[string, *PendingRequest](),
		lastSeen:        start,
		closed:          make(chan struct{}),
	}
	s.ctx = logctx.WithSessionData(sctx, &logctx.SessionData{
		SessionID:       s.id,
		ClientKey:       clientKey,
		ProtocolVersion: version,
	})

	if err := e.host.Acquire(ctx, clientKey, s.id, e.maxPerClient, e.leaseTTL); err != nil {
		cancel(err)
		log.InfoContext(ctx, "engine.session.handshake_fail", slog.String("err", err.Error()))
		if errors.Is(err, sessions.ErrTooManySessions) {
			return nil, nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		}
		return nil, nil, fmt.Errorf("acquire session lease: %w", err)
	}

	s.pipe = newPipeline(conn, e.watermark, e.sendTimeout, e.log, e.metrics)
	e.sessions.Store(s.id, s)
	e.metrics.sessions.Inc()

	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Logging: &struct{}{},
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{},
			Experimental: map[string]any{mcp.StreamingCapability: map[string]any{}},
		},
		ServerInfo:   e.serverInfo,
		Instructions: e.instructions,
	}

	log.InfoContext(s.ctx, "engine.session.open",
		slog.String("client_name", init.ClientInfo.Name),
		slog.Bool("streaming", s.Has(CapStreaming)),
		slog.Bool("multiplexed", conn.Multiplexed()),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return s, res, nil
}

// Session returns an open session.
func (e *Engine) Session(id string) (*Session, bool) {
	v, ok := e.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Touch records transport activity that is not an inbound message, such as
// an open server stream, so the session does not count as idle.
func (e *Engine) Touch(id string) bool {
	s, ok := e.Session(id)
	if ok {
		s.touch()
	}
	return ok
}

// Close tears a session down: every pending request is cancelled with
// ErrSessionClosed, undelivered frames are dropped, the conn is closed and
// the client's slot is released. Closing an unknown or closed session is a
// no-op.
func (e *Engine) Close(ctx context.Context, id string, reason error) error {
	v, ok := e.sessions.LoadAndDelete(id)
	if !ok {
		return nil
	}
	s := v.(*Session)

	cause := ErrSessionClosed
	if reason != nil && !errors.Is(reason, ErrSessionClosed) {
		cause = fmt.Errorf("%w: %w", ErrSessionClosed, reason)
	}
	if !s.close(cause) {
		return nil
	}
	e.metrics.sessions.Dec()

	var err error
	if rerr := e.host.Release(ctx, s.clientKey, s.id); rerr != nil {
		err = fmt.Errorf("release session lease: %w", rerr)
	}
	e.log.InfoContext(s.ctx, "engine.session.close", slog.String("reason", cause.Error()))
	return err
}

// CancelRequest cancels an in-flight request as if the client had sent
// notifications/cancelled for it.
func (e *Engine) CancelRequest(sessionID, corrID string, reason error) bool {
	s, ok := e.Session(sessionID)
	if !ok {
		return false
	}
	p, ok := s.Lookup(corrID)
	if !ok {
		return false
	}
	return e.cancelPending(p, reason)
}

// negotiateVersion echoes a supported version, answers a newer one with the
// newest supported version not after it, and rejects anything older than
// the oldest supported version.
func negotiateVersion(requested string) (string, error) {
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested, nil
	}
	want, ok := mcp.ParseProtocolVersion(requested)
	if !ok {
		return "", fmt.Errorf("%w: malformed protocol version %q", ErrHandshakeFailed, requested)
	}
	for _, v := range mcp.SupportedProtocolVersions {
		if t, _ := mcp.ParseProtocolVersion(v); !t.After(want) {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported protocol version %q", ErrHandshakeFailed, requested)
}
