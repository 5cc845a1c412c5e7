package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/orekyuu/mcp-ide-gateway/internal/engine"
	"github.com/orekyuu/mcp-ide-gateway/internal/jsonrpc"
	"github.com/orekyuu/mcp-ide-gateway/internal/logctx"
	"github.com/orekyuu/mcp-ide-gateway/mcp"
)

// errPeerEOF is the close reason when the client closes its end of the pipe.
var errPeerEOF = errors.New("stdio peer closed input")

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses to an io.Writer. By default, it uses
// os.Stdin and os.Stdout.
type Handler struct {
	eng          *engine.Engine
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider
	serialized   bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		eng:          eng,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.l = slog.New(logctx.New(h.l.Handler()))
	return h
}

// lineWriter writes one JSON message per line.
type lineWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func (lw *lineWriter) writeLine(b []byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.closed {
		return io.ErrClosedPipe
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(append(buf, b...), '\n')
	_, err := lw.w.Write(buf)
	return err
}

func (lw *lineWriter) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return lw.writeLine(b)
}

// conn is the engine.Conn of the stdio session.
type conn struct {
	out         *lineWriter
	multiplexed bool
}

var _ engine.Conn = (*conn)(nil)

func (c *conn) SendFrame(ctx context.Context, f engine.Frame) error {
	if err := c.out.writeLine(f.Payload); err != nil {
		return fmt.Errorf("%w: %w", engine.ErrDisconnected, err)
	}
	return nil
}

func (c *conn) Multiplexed() bool { return c.multiplexed }

func (c *conn) Close() error {
	c.out.mu.Lock()
	c.out.closed = true
	c.out.mu.Unlock()
	return nil
}

// Serve runs the stdio event loop until EOF on the reader, the session is
// closed by the engine, or ctx is cancelled. The first message must be
// initialize; until it succeeds every other request is answered with an
// error. It is safe to call at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	clientKey, err := h.userProvider.CurrentUserID()
	if err != nil {
		return fmt.Errorf("resolve stdio user: %w", err)
	}
	out := &lineWriter{w: h.w}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		br := bufio.NewReader(h.r)
		for {
			line, err := br.ReadBytes('\n')
			if line = bytes.TrimSpace(line); len(line) > 0 {
				select {
				case lines <- line:
				case <-stop:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	var sess *engine.Session
	var sessDone <-chan struct{}
	closeSession := func(reason error) {
		if sess == nil {
			return
		}
		if err := h.eng.Close(context.WithoutCancel(ctx), sess.ID(), reason); err != nil {
			h.l.WarnContext(ctx, "stdio.session.close_fail", slog.String("err", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			closeSession(context.Cause(ctx))
			return ctx.Err()
		case <-sessDone:
			h.l.InfoContext(ctx, "stdio.session.closed")
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				h.l.InfoContext(ctx, "stdio.eof")
				closeSession(errPeerEOF)
				return nil
			}
			closeSession(err)
			return fmt.Errorf("read stdio: %w", err)
		case line := <-lines:
			if sess != nil {
				if err := h.eng.HandleMessage(ctx, sess.ID(), line); err != nil {
					h.l.InfoContext(ctx, "stdio.message.fail", slog.String("err", err.Error()))
				}
				continue
			}
			sess = h.initialize(ctx, out, clientKey, line)
			if sess != nil {
				sessDone = sess.Done()
			}
		}
	}
}

// initialize handles a message received before the session exists. It
// returns the session once an initialize request succeeds.
func (h *Handler) initialize(ctx context.Context, out *lineWriter, clientKey string, line []byte) *engine.Session {
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		h.l.InfoContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
		h.writeJSON(ctx, out, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, err.Error(), jsonrpc.ErrorData{Kind: engine.KindParseError}))
		return nil
	}
	if msg.Type() != jsonrpc.TypeRequest {
		h.l.DebugContext(ctx, "stdio.message.before_initialize", slog.String("method", msg.Method))
		return nil
	}
	req := msg.AsRequest()
	if req.Method != string(mcp.InitializeMethod) {
		h.writeJSON(ctx, out, engine.ErrorResponse(req.ID, fmt.Errorf("%w: expected initialize, got %s", engine.ErrHandshakeFailed, req.Method)))
		return nil
	}
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		h.writeJSON(ctx, out, engine.ErrorResponse(req.ID, fmt.Errorf("%w: %w", engine.ErrHandshakeFailed, err)))
		return nil
	}

	c := &conn{out: out, multiplexed: !h.serialized}
	sess, res, err := h.eng.Open(ctx, c, clientKey, &initReq)
	if err != nil {
		h.writeJSON(ctx, out, engine.ErrorResponse(req.ID, err))
		return nil
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		_ = h.eng.Close(ctx, sess.ID(), err)
		h.writeJSON(ctx, out, engine.ErrorResponse(req.ID, err))
		return nil
	}
	h.writeJSON(ctx, out, resp)
	h.l.InfoContext(ctx, "stdio.session.open", slog.String("session_id", sess.ID()), slog.Bool("serialized", h.serialized))
	return sess
}

func (h *Handler) writeJSON(ctx context.Context, out *lineWriter, v any) {
	if err := out.writeJSON(v); err != nil {
		h.l.WarnContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
