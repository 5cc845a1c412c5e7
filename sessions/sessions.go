package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTooManySessions is returned by Acquire when the client is at its
	// limit.
	ErrTooManySessions = errors.New("too many concurrent sessions for client")
	// ErrSessionNotFound is returned by Refresh for an unknown or expired
	// lease.
	ErrSessionNotFound = errors.New("session lease not found")
)

// SessionHost stores per-client session leases.
type SessionHost interface {
	// Acquire records a lease for sessionID under clientKey unless the client
	// already holds limit unexpired leases. A limit <= 0 means unlimited.
	Acquire(ctx context.Context, clientKey, sessionID string, limit int, ttl time.Duration) error
	// Refresh extends an existing lease.
	Refresh(ctx context.Context, clientKey, sessionID string, ttl time.Duration) error
	// Release drops a lease. Releasing an unknown lease is not an error.
	Release(ctx context.Context, clientKey, sessionID string) error
	// Count returns the number of unexpired leases held by clientKey.
	Count(ctx context.Context, clientKey string) (int, error)
	Close() error
}
