package engine

import (
	"context"
	"errors"

	"github.com/orekyuu/mcp-ide-gateway/dispatch"
	"github.com/orekyuu/mcp-ide-gateway/internal/jsonrpc"
	"github.com/orekyuu/mcp-ide-gateway/sessions"
	"github.com/orekyuu/mcp-ide-gateway/tools"
)

var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrTimeout         = errors.New("request timed out")
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrDuplicateID     = errors.New("request id already in flight")
	ErrSessionIdle     = errors.New("session idle")
	ErrShutdown        = errors.New("gateway shutting down")
	ErrInvalidParams   = errors.New("invalid params")
	ErrMethodNotFound  = errors.New("method not found")
	ErrInitialized     = errors.New("session already initialized")
)

// Error kinds reported in the data of error responses.
const (
	KindHandshakeFailed      = "HandshakeFailed"
	KindNotFound             = "NotFound"
	KindSchemaViolation      = "SchemaViolation"
	KindDispatchFailure      = "DispatchFailure"
	KindTimeout              = "Timeout"
	KindCancelled            = "Cancelled"
	KindBackpressureExceeded = "BackpressureExceeded"
	KindInvalidRequest       = "InvalidRequest"
	KindInvalidParams        = "InvalidParams"
	KindMethodNotFound       = "MethodNotFound"
	KindParseError           = "ParseError"
	KindInternal             = "Internal"
)

// classify maps an error to its JSON-RPC code and kind. Order matters: a
// timed out task also matches dispatch.ErrCancelled.
func classify(err error) (jsonrpc.ErrorCode, string) {
	switch {
	case errors.Is(err, ErrTimeout):
		return jsonrpc.ErrorCodeRequestTimeout, KindTimeout
	case errors.Is(err, ErrSessionClosed):
		return jsonrpc.ErrorCodeRequestCancelled, KindCancelled
	case errors.Is(err, ErrBackpressureExceeded):
		return jsonrpc.ErrorCodeBackpressureExceeded, KindBackpressureExceeded
	case errors.Is(err, dispatch.ErrCancelled), errors.Is(err, context.Canceled):
		return jsonrpc.ErrorCodeRequestCancelled, KindCancelled
	case errors.Is(err, tools.ErrNotFound):
		return jsonrpc.ErrorCodeInvalidParams, KindNotFound
	case errors.Is(err, tools.ErrSchemaViolation):
		return jsonrpc.ErrorCodeInvalidParams, KindSchemaViolation
	case errors.Is(err, ErrHandshakeFailed), errors.Is(err, sessions.ErrTooManySessions):
		return jsonrpc.ErrorCodeInvalidParams, KindHandshakeFailed
	case errors.Is(err, ErrInvalidParams):
		return jsonrpc.ErrorCodeInvalidParams, KindInvalidParams
	case errors.Is(err, ErrMethodNotFound):
		return jsonrpc.ErrorCodeMethodNotFound, KindMethodNotFound
	case errors.Is(err, ErrDuplicateID), errors.Is(err, ErrInitialized):
		return jsonrpc.ErrorCodeInvalidRequest, KindInvalidRequest
	case errors.Is(err, dispatch.ErrDispatchFailure):
		return jsonrpc.ErrorCodeInternalError, KindDispatchFailure
	}
	return jsonrpc.ErrorCodeInternalError, KindInternal
}

// ErrorResponse renders err as a JSON-RPC error response for id.
func ErrorResponse(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	code, kind := classify(err)
	data := jsonrpc.ErrorData{Kind: kind}

	var se *tools.SchemaError
	if errors.As(err, &se) {
		data.Details = se.Details
		if se.Output {
			code = jsonrpc.ErrorCodeInternalError
		}
	}
	var de *dispatch.DispatchError
	if errors.As(err, &de) && de.Cause != nil {
		data.Cause = de.Cause.Error()
	}
	return jsonrpc.NewErrorResponse(id, code, err.Error(), data)
}
