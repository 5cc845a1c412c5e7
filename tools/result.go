package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/orekyuu/mcp-ide-gateway/mcp"
)

// TextResult is a successful result with one text block.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.Text(s)}}
}

// JSONResult renders v as text. Strings pass through unchanged; anything
// else is encoded as JSON.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	if s, ok := v.(string); ok {
		return TextResult(s), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return TextResult(string(b)), nil
}

// Errorf is a tool-level failure reported to the client as a result with
// isError set, as opposed to a protocol error.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	res := TextResult(fmt.Sprintf(format, args...))
	res.IsError = true
	return res
}

// ErrFinalized is returned by writes after Result.
var ErrFinalized = errors.New("result already finalized")

// ResultWriter composes a unary result.
type ResultWriter interface {
	AppendText(text string) error
	AppendJSON(v any) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	SetError(isError bool)
	SetMeta(key string, v any)
	// Progress forwards to the request's ProgressReporter, if any.
	Progress(progress, total float64, message string) error
	Result() *mcp.CallToolResult
}

// TypedResultWriter additionally carries structured output of type O.
type TypedResultWriter[O any] interface {
	ResultWriter
	SetStructured(v O)
}

type resultWriter struct {
	ctx context.Context

	mu        sync.Mutex
	finalized bool
	blocks    []mcp.ContentBlock
	isError   bool
	meta      map[string]any
}

func newResultWriter(ctx context.Context) *resultWriter {
	return &resultWriter{ctx: ctx}
}

func (w *resultWriter) AppendText(text string) error {
	return w.AppendBlocks(mcp.Text(text))
}

func (w *resultWriter) AppendJSON(v any) error {
	res, err := JSONResult(v)
	if err != nil {
		return err
	}
	return w.AppendBlocks(res.Content...)
}

func (w *resultWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	w.blocks = append(w.blocks, blocks...)
	return nil
}

func (w *resultWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *resultWriter) SetMeta(key string, v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.meta == nil {
		w.meta = make(map[string]any)
	}
	w.meta[key] = v
}

func (w *resultWriter) Progress(progress, total float64, message string) error {
	return ReportProgress(w.ctx, progress, total, message)
}

func (w *resultWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = true
	res := &mcp.CallToolResult{Content: w.blocks, IsError: w.isError}
	if res.Content == nil {
		res.Content = []mcp.ContentBlock{}
	}
	if len(w.meta) > 0 {
		res.Meta = w.meta
	}
	return res
}

type typedResultWriter[O any] struct {
	*resultWriter
	structured O
	set        bool
}

func (w *typedResultWriter[O]) SetStructured(v O) {
	w.structured = v
	w.set = true
}
