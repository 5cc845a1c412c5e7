package dispatch

import "context"

// HostExecutor runs work on the host's required execution context. RunOnHost
// must not return before work has returned. An error means the work did not
// run, typically because the host is shutting down.
type HostExecutor interface {
	RunOnHost(ctx context.Context, work func()) error
}

// HostExecutorFunc adapts a function to HostExecutor.
type HostExecutorFunc func(ctx context.Context, work func()) error

func (f HostExecutorFunc) RunOnHost(ctx context.Context, work func()) error {
	return f(ctx, work)
}

// lockedThread runs work on the dispatcher's host worker goroutine, which is
// pinned to its OS thread for its whole life.
type lockedThread struct{}

func (lockedThread) RunOnHost(_ context.Context, work func()) error {
	work()
	return nil
}
