// Package sessionhosttest is the conformance suite for sessions.SessionHost
// implementations.
package sessionhosttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/orekyuu/mcp-ide-gateway/sessions"
)

// HostFactory creates a fresh, empty SessionHost.
type HostFactory func(t *testing.T) sessions.SessionHost

// RunSessionHostTests runs the suite against the factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Acquire_EnforcesLimitPerClient", func(t *testing.T) { testLimitPerClient(t, factory) })
	t.Run("Acquire_ReacquireSameSessionIsIdempotent", func(t *testing.T) { testReacquire(t, factory) })
	t.Run("Acquire_ZeroLimitIsUnlimited", func(t *testing.T) { testUnlimited(t, factory) })
	t.Run("Release_FreesSlot", func(t *testing.T) { testRelease(t, factory) })
	t.Run("Leases_ExpireWithoutRefresh", func(t *testing.T) { testExpiry(t, factory) })
	t.Run("Refresh_UnknownLease", func(t *testing.T) { testRefreshUnknown(t, factory) })
	t.Run("Acquire_ConcurrentCallersNeverExceedLimit", func(t *testing.T) { testConcurrentAcquire(t, factory) })
}

func testLimitPerClient(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.Acquire(ctx, "alice", fmt.Sprintf("a%d", i), 2, time.Minute); err != nil {
			t.Fatalf("acquire a%d: %v", i, err)
		}
	}
	if err := h.Acquire(ctx, "alice", "a2", 2, time.Minute); !errors.Is(err, sessions.ErrTooManySessions) {
		t.Fatalf("third acquire error = %v, want ErrTooManySessions", err)
	}
	if err := h.Acquire(ctx, "bob", "b0", 2, time.Minute); err != nil {
		t.Fatalf("other client blocked by alice: %v", err)
	}
	if n, err := h.Count(ctx, "alice"); err != nil || n != 2 {
		t.Fatalf("Count(alice) = %d, %v", n, err)
	}
}

func testReacquire(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	if err := h.Acquire(ctx, "alice", "s", 1, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := h.Acquire(ctx, "alice", "s", 1, time.Minute); err != nil {
		t.Fatalf("re-acquire of held lease: %v", err)
	}
	if n, _ := h.Count(ctx, "alice"); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func testUnlimited(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := h.Acquire(ctx, "alice", fmt.Sprint(i), 0, time.Minute); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}

func testRelease(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	if err := h.Acquire(ctx, "alice", "s1", 1, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := h.Release(ctx, "alice", "s1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.Release(ctx, "alice", "unknown"); err != nil {
		t.Fatalf("release of unknown lease: %v", err)
	}
	if err := h.Acquire(ctx, "alice", "s2", 1, time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func testExpiry(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	if err := h.Acquire(ctx, "alice", "stale", 1, 50*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := h.Acquire(ctx, "alice", "kept", 2, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	if err := h.Refresh(ctx, "alice", "stale", time.Minute); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("refresh of expired lease error = %v", err)
	}
	if err := h.Refresh(ctx, "alice", "kept", time.Minute); err != nil {
		t.Fatalf("refresh of live lease: %v", err)
	}
	if err := h.Acquire(ctx, "alice", "fresh", 2, time.Minute); err != nil {
		t.Fatalf("expired lease still counted: %v", err)
	}
}

func testRefreshUnknown(t *testing.T, factory HostFactory) {
	h := factory(t)
	if err := h.Refresh(context.Background(), "nobody", "s", time.Minute); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}
}

func testConcurrentAcquire(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	const limit, callers = 3, 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := h.Acquire(ctx, "alice", fmt.Sprintf("c%d", i), limit, time.Minute)
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			} else if !errors.Is(err, sessions.ErrTooManySessions) {
				t.Errorf("acquire c%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if granted != limit {
		t.Fatalf("granted %d leases, want exactly %d", granted, limit)
	}
}
