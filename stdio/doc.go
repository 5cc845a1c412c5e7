// Package stdio implements the single-connection MCP transport over
// stdin/stdout: newline-delimited JSON-RPC, one message per line. It is how
// an IDE launches the gateway as a subprocess of a local agent.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client <-> 1 session
//	Client key       : OS user (UserProvider)
//	Delivery         : multiplexed by default, WithSerializedDelivery for
//	                   clients that cannot demultiplex by request id
//	Lifetime         : EOF on the reader closes the session
//
// Example:
//
//	h := stdio.NewHandler(eng)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
package stdio
