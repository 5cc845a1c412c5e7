// Package tools defines how host operations are described to the gateway and
// holds the registry the router resolves invocations against.
//
// # Descriptors
//
// A Descriptor names a tool, carries the JSON Schema of its input (and
// optionally of its structured output), the execution context it requires and
// its handler. Handlers are a closed set of variants:
//
//   - UnaryFunc returns one CallToolResult.
//   - StreamFunc returns a Producer whose Next method is pulled once per
//     chunk. Each pull runs on the tool's execution context, and the gateway
//     only pulls while the client is keeping up.
//
// # Registry
//
// The Registry is filled at startup and sealed before the first session is
// served. After Seal it is read without synchronization. Registering a name
// twice fails with ErrDuplicateTool.
//
// # Typed tools
//
// NewTool and NewStreamingTool reflect the input schema from a Go struct using
// invopop/jsonschema struct tags:
//
//	type readArgs struct {
//	    Path string `json:"path" jsonschema:"description=Project-relative path"`
//	}
//
//	desc := tools.NewTool("read_file", func(ctx context.Context, w tools.ResultWriter, a readArgs) error {
//	    return w.AppendText(load(a.Path))
//	}, tools.WithDescription("Read a file"))
//
// Hand-written schemas can be assembled with Object.
package tools
