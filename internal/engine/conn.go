package engine

import (
	"context"
	"errors"
)

var (
	// ErrBackpressureExceeded is returned by Conn.SendFrame when the transport's
	// outbound buffer for the session is full. The frame should be retried.
	ErrBackpressureExceeded = errors.New("transport backpressure exceeded")
	// ErrDisconnected is returned by Conn.SendFrame when the peer (or, for a
	// frame with a correlation id, the stream of that request) is gone.
	ErrDisconnected = errors.New("transport disconnected")
)

// Frame is one serialized JSON-RPC message headed for the client.
type Frame struct {
	// CorrelationID is the client's request id for responses and chunks of a
	// request, empty otherwise.
	CorrelationID string
	// Terminal marks the last frame for CorrelationID.
	Terminal bool
	Payload  []byte
}

// Conn is the transport handle of one session.
type Conn interface {
	// SendFrame writes f or fails with ErrBackpressureExceeded or
	// ErrDisconnected. It is only called from the session's delivery
	// goroutine.
	SendFrame(ctx context.Context, f Frame) error
	// Multiplexed reports whether frames of different requests may be
	// interleaved. When false, each request is delivered in full in arrival
	// order.
	Multiplexed() bool
	// Close releases the transport handle. It is called once, when the
	// session closes.
	Close() error
}
