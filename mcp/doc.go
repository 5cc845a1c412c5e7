// Package mcp holds the Model Context Protocol wire types the gateway speaks:
// the initialize handshake, tool listing and invocation, progress,
// cancellation and the chunk notification used for streaming tool results.
package mcp
