package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/orekyuu/mcp-ide-gateway/dispatch"
	"github.com/orekyuu/mcp-ide-gateway/mcp"
	"github.com/xeipuuv/gojsonschema"
)

// Request is a validated invocation as seen by a handler.
type Request struct {
	Name          string
	Arguments     json.RawMessage
	CorrelationID string
}

// Handler is implemented by UnaryFunc and StreamFunc only.
type Handler interface {
	isHandler()
}

// UnaryFunc produces a single result.
type UnaryFunc func(ctx context.Context, req *Request) (*mcp.CallToolResult, error)

func (UnaryFunc) isHandler() {}

// StreamFunc starts a streaming result. It runs on the tool's execution
// context, as does every later Producer call.
type StreamFunc func(ctx context.Context, req *Request) (Producer, error)

func (StreamFunc) isHandler() {}

// Producer yields the chunks of a streaming result. Next returns io.EOF once
// the stream is exhausted.
type Producer interface {
	Next(ctx context.Context) ([]mcp.ContentBlock, error)
}

// Finisher may be implemented by a Producer to supply the terminal result
// sent after the last chunk.
type Finisher interface {
	Finish(ctx context.Context) (*mcp.CallToolResult, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context) ([]mcp.ContentBlock, error)

func (f ProducerFunc) Next(ctx context.Context) ([]mcp.ContentBlock, error) { return f(ctx) }

// SliceProducer emits each element of chunks as one chunk.
func SliceProducer(chunks ...[]mcp.ContentBlock) Producer {
	i := 0
	return ProducerFunc(func(ctx context.Context) ([]mcp.ContentBlock, error) {
		if i >= len(chunks) {
			return nil, io.EOF
		}
		i++
		return chunks[i-1], nil
	})
}

// Descriptor is the registration record of a tool. It must not be modified
// after Register.
type Descriptor struct {
	Name        string
	Title       string
	Description string
	// InputSchema is a JSON Schema object. Empty means any object.
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	// Affinity defaults to dispatch.HostExclusive.
	Affinity dispatch.Affinity
	Handler  Handler

	input  *gojsonschema.Schema
	output *gojsonschema.Schema
}

// Tool renders the descriptor for tools/list.
func (d *Descriptor) Tool() mcp.Tool {
	in := d.InputSchema
	if len(in) == 0 {
		in = json.RawMessage(`{"type":"object"}`)
	}
	return mcp.Tool{
		Name:         d.Name,
		Title:        d.Title,
		Description:  d.Description,
		InputSchema:  in,
		OutputSchema: d.OutputSchema,
	}
}

// Streaming reports whether the handler is a StreamFunc.
func (d *Descriptor) Streaming() bool {
	_, ok := d.Handler.(StreamFunc)
	return ok
}

// IsEndOfStream reports whether err marks a finished Producer.
func IsEndOfStream(err error) bool {
	return errors.Is(err, io.EOF)
}
