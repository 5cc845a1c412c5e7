package mcp

import "encoding/json"

// Method is an MCP JSON-RPC method name.
type Method string

const (
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
	ProgressNotificationMethod  Method = "notifications/progress"

	// ToolChunkNotificationMethod carries one chunk of a streaming tool result.
	// Only sent to clients that negotiated the streaming capability.
	ToolChunkNotificationMethod Method = "notifications/tools/chunk"
)

// StreamingCapability is the experimental capability key for chunked tool
// results.
const StreamingCapability = "streaming"

// BaseMetadata carries optional metadata for results.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// RequestMeta is the `_meta` object clients may attach to request params.
type RequestMeta struct {
	ProgressToken any `json:"progressToken,omitempty"`
	// TimeoutMs overrides the default request deadline.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// InitializeRequest starts the handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
	BaseMetadata
}

// ListToolsResult returns the registered tools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitzero"`
	BaseMetadata
}

// CallToolRequest is the params object of tools/call.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *RequestMeta    `json:"_meta,omitempty"`
}

// CallToolResult is the result of a tool invocation.
type CallToolResult struct {
	Content           []ContentBlock `json:"content"`
	IsError           bool           `json:"isError,omitzero"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	BaseMetadata
}

// CancelledNotification asks the server to abandon a request.
type CancelledNotification struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitzero"`
}

// ProgressNotificationParams conveys progress of a long-running operation.
type ProgressNotificationParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitzero"`
	Message       string  `json:"message,omitzero"`
}

// ToolChunkNotificationParams carries one ordered chunk of a tool result.
type ToolChunkNotificationParams struct {
	RequestID any            `json:"requestId"`
	Sequence  uint64         `json:"sequence"`
	Content   []ContentBlock `json:"content"`
}
