package memoryhost

import (
	"context"
	"sync"
	"time"

	"github.com/orekyuu/mcp-ide-gateway/sessions"
)

type Host struct {
	now func() time.Time

	mu     sync.Mutex
	leases map[string]map[string]time.Time // client -> session -> expiry
}

var _ sessions.SessionHost = (*Host)(nil)

func New() *Host {
	return &Host{now: time.Now, leases: make(map[string]map[string]time.Time)}
}

// pruneLocked drops expired leases of one client.
func (h *Host) pruneLocked(clientKey string) map[string]time.Time {
	m := h.leases[clientKey]
	now := h.now()
	for id, exp := range m {
		if !now.Before(exp) {
			delete(m, id)
		}
	}
	if len(m) == 0 {
		delete(h.leases, clientKey)
		return nil
	}
	return m
}

func (h *Host) Acquire(ctx context.Context, clientKey, sessionID string, limit int, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.pruneLocked(clientKey)
	if _, ok := m[sessionID]; !ok && limit > 0 && len(m) >= limit {
		return sessions.ErrTooManySessions
	}
	if m == nil {
		m = make(map[string]time.Time)
		h.leases[clientKey] = m
	}
	m[sessionID] = h.now().Add(ttl)
	return nil
}

func (h *Host) Refresh(ctx context.Context, clientKey, sessionID string, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.pruneLocked(clientKey)
	if _, ok := m[sessionID]; !ok {
		return sessions.ErrSessionNotFound
	}
	m[sessionID] = h.now().Add(ttl)
	return nil
}

func (h *Host) Release(ctx context.Context, clientKey, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.leases[clientKey]; ok {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(h.leases, clientKey)
		}
	}
	return nil
}

func (h *Host) Count(ctx context.Context, clientKey string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pruneLocked(clientKey)), nil
}

func (h *Host) Close() error { return nil }
