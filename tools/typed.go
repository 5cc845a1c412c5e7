package tools

import (
	"context"
	"encoding/json"

	"github.com/orekyuu/mcp-ide-gateway/dispatch"
	"github.com/orekyuu/mcp-ide-gateway/mcp"
)

// ToolOption configures the typed constructors.
type ToolOption func(*Descriptor)

func WithDescription(desc string) ToolOption {
	return func(d *Descriptor) { d.Description = desc }
}

func WithTitle(title string) ToolOption {
	return func(d *Descriptor) { d.Title = title }
}

// WithAffinity sets the execution context the handler must run on.
func WithAffinity(a dispatch.Affinity) ToolOption {
	return func(d *Descriptor) { d.Affinity = a }
}

// WithInputSchema replaces the reflected input schema.
func WithInputSchema(schema json.RawMessage) ToolOption {
	return func(d *Descriptor) { d.InputSchema = schema }
}

func newDescriptor[A any](name string, opts []ToolOption) *Descriptor {
	d := &Descriptor{Name: name, Affinity: dispatch.HostExclusive}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.InputSchema == nil {
		d.InputSchema = reflectSchema[A](false)
	}
	return d
}

// decodeArgs decodes already validated arguments into A.
func decodeArgs[A any](raw json.RawMessage) (A, error) {
	var a A
	if len(raw) == 0 {
		return a, nil
	}
	err := json.Unmarshal(raw, &a)
	return a, err
}

// NewTool builds a unary tool whose input is decoded into A. The handler
// composes its result through w.
func NewTool[A any](name string, fn func(ctx context.Context, w ResultWriter, args A) error, opts ...ToolOption) *Descriptor {
	d := newDescriptor[A](name, opts)
	d.Handler = UnaryFunc(func(ctx context.Context, req *Request) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](req.Arguments)
		if err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		w := newResultWriter(ctx)
		if err := fn(ctx, w, a); err != nil {
			return nil, err
		}
		return w.Result(), nil
	})
	return d
}

// NewToolWithOutput is NewTool with a reflected output schema; the value
// passed to SetStructured is validated against it before delivery.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, w TypedResultWriter[O], args A) error, opts ...ToolOption) *Descriptor {
	d := newDescriptor[A](name, opts)
	d.OutputSchema = reflectSchema[O](true)
	d.Handler = UnaryFunc(func(ctx context.Context, req *Request) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](req.Arguments)
		if err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		w := &typedResultWriter[O]{resultWriter: newResultWriter(ctx)}
		if err := fn(ctx, w, a); err != nil {
			return nil, err
		}
		res := w.Result()
		if w.set {
			b, err := json.Marshal(w.structured)
			if err != nil {
				return nil, err
			}
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				return nil, err
			}
			res.StructuredContent = m
			if len(res.Content) == 0 {
				res.Content = []mcp.ContentBlock{mcp.Text(string(b))}
			}
		}
		return res, nil
	})
	return d
}

// NewStreamingTool builds a streaming tool whose input is decoded into A.
func NewStreamingTool[A any](name string, fn func(ctx context.Context, args A) (Producer, error), opts ...ToolOption) *Descriptor {
	d := newDescriptor[A](name, opts)
	d.Handler = StreamFunc(func(ctx context.Context, req *Request) (Producer, error) {
		a, err := decodeArgs[A](req.Arguments)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	})
	return d
}
