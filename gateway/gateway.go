// Package gateway assembles the dispatcher, tool registry, session engine and
// transports into a runnable MCP gateway.
//
// A host application builds its tool descriptors, passes them to New together
// with a loaded config.Config, and then serves either Streamable HTTP
// (ListenAndServe, Serve) or a single stdio session (ServeStdio).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/orekyuu/mcp-ide-gateway/auth"
	"github.com/orekyuu/mcp-ide-gateway/config"
	"github.com/orekyuu/mcp-ide-gateway/dispatch"
	"github.com/orekyuu/mcp-ide-gateway/internal/engine"
	"github.com/orekyuu/mcp-ide-gateway/mcp"
	"github.com/orekyuu/mcp-ide-gateway/sessions"
	"github.com/orekyuu/mcp-ide-gateway/sessions/memoryhost"
	"github.com/orekyuu/mcp-ide-gateway/sessions/redishost"
	"github.com/orekyuu/mcp-ide-gateway/stdio"
	"github.com/orekyuu/mcp-ide-gateway/streaminghttp"
	"github.com/orekyuu/mcp-ide-gateway/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	ServerName    = "mcp-ide-gateway"
	ServerVersion = "1.0.0"

	shutdownGrace = 10 * time.Second
)

// Gateway is a configured, not yet serving, gateway. Exactly one of
// ListenAndServe, Serve and ServeStdio may be called.
type Gateway struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *tools.Registry
	disp     *dispatch.Dispatcher
	host     sessions.SessionHost
	eng      *engine.Engine
	handler  *streaminghttp.StreamingHTTPHandler
	metrics  *prometheus.Registry
}

type options struct {
	log          *slog.Logger
	tools        []*tools.Descriptor
	exec         dispatch.HostExecutor
	auth         auth.Authenticator
	host         sessions.SessionHost
	instructions string
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithTools registers descriptors in the given order.
func WithTools(ds ...*tools.Descriptor) Option {
	return func(o *options) { o.tools = append(o.tools, ds...) }
}

// WithHostExecutor runs HostExclusive work on the host's own event loop
// instead of a dedicated locked goroutine.
func WithHostExecutor(e dispatch.HostExecutor) Option {
	return func(o *options) { o.exec = e }
}

// WithAuthenticator overrides the authenticator derived from config.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(o *options) { o.auth = a }
}

// WithSessionHost overrides the session host derived from config. The
// gateway closes it on Close.
func WithSessionHost(h sessions.SessionHost) Option {
	return func(o *options) { o.host = h }
}

// WithInstructions sets the instructions returned at initialize.
func WithInstructions(s string) Option {
	return func(o *options) { o.instructions = s }
}

// New validates cfg, registers the tools and wires the gateway. A duplicate
// tool name fails with tools.ErrDuplicateTool and nothing is served.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &options{log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	registry := tools.NewRegistry()
	for _, d := range o.tools {
		if err := registry.Register(d); err != nil {
			return nil, fmt.Errorf("register tools: %w", err)
		}
	}
	registry.Seal()

	authn := o.auth
	if authn == nil && cfg.Auth.Enabled() {
		var err error
		if authn, err = newAuthenticator(ctx, cfg.Auth); err != nil {
			return nil, err
		}
	}

	host := o.host
	if host == nil {
		var err error
		if host, err = newSessionHost(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	disp := dispatch.New(
		dispatch.WithLogger(o.log),
		dispatch.WithHostExecutor(o.exec),
		dispatch.WithCallerPoolSize(cfg.CallerPoolSize),
		dispatch.WithMetrics(reg),
	)
	eng := engine.NewEngine(registry, disp, host,
		engine.WithLogger(o.log),
		engine.WithMetrics(reg),
		engine.WithRequestTimeout(cfg.RequestTimeoutDefault),
		engine.WithWatermark(cfg.StreamingBackpressureWatermark),
		engine.WithBackpressureTimeout(cfg.BackpressureTimeout),
		engine.WithFairnessQuota(cfg.HostDispatchFairnessQuota),
		engine.WithAggregateLimit(cfg.AggregateResultLimit),
		engine.WithMaxSessionsPerClient(cfg.MaxConcurrentSessionsPerClient),
		engine.WithSessionIdleTTL(cfg.SessionIdleTTL),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: ServerName, Version: ServerVersion}, o.instructions),
	)

	httpOpts := []streaminghttp.Option{
		streaminghttp.WithServerName(ServerName),
		streaminghttp.WithLogger(o.log),
		streaminghttp.WithKeepAliveInterval(cfg.KeepAliveInterval),
	}
	if authn != nil {
		httpOpts = append(httpOpts, streaminghttp.WithAuthenticator(authn))
	}
	if cfg.MetricsPath != "" {
		httpOpts = append(httpOpts, streaminghttp.WithMetrics(cfg.MetricsPath, reg))
	}
	handler, err := streaminghttp.New(cfg.EndpointURL(), eng, httpOpts...)
	if err != nil {
		_ = disp.Close(ctx)
		_ = host.Close()
		return nil, fmt.Errorf("build http handler: %w", err)
	}

	o.log.InfoContext(ctx, "gateway.tools.registered",
		slog.Int("count", registry.Len()),
		slog.Any("tools", registry.Names()),
	)

	return &Gateway{
		cfg:      cfg,
		log:      o.log,
		registry: registry,
		disp:     disp,
		host:     host,
		eng:      eng,
		handler:  handler,
		metrics:  reg,
	}, nil
}

func newAuthenticator(ctx context.Context, c config.AuthConfig) (auth.Authenticator, error) {
	var opts []auth.AccessTokenAuthOption
	if c.Audience != "" {
		opts = append(opts, auth.WithAudiences(c.Audience))
	}
	var (
		a   *auth.AccessTokenAuthenticator
		err error
	)
	switch {
	case c.HMACSecret != "":
		a, err = auth.NewHMAC([]byte(c.HMACSecret), c.Issuer, opts...)
	case c.JWKSURL != "":
		a, err = auth.NewJWKS(ctx, c.JWKSURL, c.Issuer, opts...)
	default:
		a, err = auth.NewFromDiscovery(ctx, c.Issuer, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("build authenticator: %w", err)
	}
	return a, nil
}

func newSessionHost(ctx context.Context, c config.RedisConfig) (sessions.SessionHost, error) {
	if c.Addr == "" {
		return memoryhost.New(), nil
	}
	h, err := redishost.New(ctx, redishost.Config{
		Addr:      c.Addr,
		Password:  c.Password,
		DB:        c.DB,
		KeyPrefix: c.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("connect session host: %w", err)
	}
	return h, nil
}

// Handler returns the Streamable HTTP handler. The engine must be running
// (see Serve) for sessions to make progress.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Metrics returns the registry holding the gateway's collectors.
func (g *Gateway) Metrics() *prometheus.Registry { return g.metrics }

// Tools returns the registered tool names in registration order.
func (g *Gateway) Tools() []string { return g.registry.Names() }

// ListenAndServe listens on the configured address and serves HTTP until ctx
// is cancelled.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.cfg.ListenAddress, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled, then stops accepting
// requests, closes every session and releases the gateway's resources.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return ignoreCanceled(g.eng.Run(egCtx))
	})
	eg.Go(func() error {
		g.log.InfoContext(ctx, "gateway.http.listen",
			slog.String("addr", ln.Addr().String()),
			slog.String("endpoint", g.cfg.EndpointPath),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		// Sessions close first so open SSE streams end and Shutdown can drain.
		g.eng.Shutdown(sctx)
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err := eg.Wait()
	if cerr := g.Close(context.WithoutCancel(ctx)); err == nil {
		err = cerr
	}
	g.log.InfoContext(ctx, "gateway.stopped")
	return err
}

// ServeStdio serves one session over stdio until the peer closes its input or
// ctx is cancelled.
func (g *Gateway) ServeStdio(ctx context.Context, opts ...stdio.Option) error {
	h := stdio.NewHandler(g.eng, append([]stdio.Option{stdio.WithLogger(g.log)}, opts...)...)

	eg, egCtx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(egCtx)
	defer stop()
	eg.Go(func() error {
		return ignoreCanceled(g.eng.Run(runCtx))
	})
	eg.Go(func() error {
		defer stop()
		return ignoreCanceled(h.Serve(runCtx))
	})

	err := eg.Wait()
	if cerr := g.Close(context.WithoutCancel(ctx)); err == nil {
		err = cerr
	}
	return err
}

// Close stops the dispatcher and the session host. Serve and ServeStdio call
// it on return.
func (g *Gateway) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	var errs []error
	if err := g.disp.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
	}
	if err := g.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close session host: %w", err))
	}
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
