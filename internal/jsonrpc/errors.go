package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

// Standard codes.
const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603
)

// Gateway codes live in the implementation-defined server error range, except
// for cancellation which reuses the value LSP clients already understand.
const (
	ErrorCodeRequestTimeout       ErrorCode = -32001
	ErrorCodeSessionNotFound      ErrorCode = -32002
	ErrorCodeBackpressureExceeded ErrorCode = -32003
	ErrorCodeUnauthorized         ErrorCode = -32004
	ErrorCodeRequestCancelled     ErrorCode = -32800
)

// ErrorData is the structured payload attached to gateway errors.
type ErrorData struct {
	Kind    string   `json:"kind"`
	Details []string `json:"details,omitempty"`
	Cause   string   `json:"cause,omitempty"`
}
