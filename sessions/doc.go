// Package sessions tracks which gateway sessions each client holds so the
// per-client concurrency limit holds across every gateway instance that
// shares a SessionHost.
//
// Entries are leases: a host forgets a session whose lease was not refreshed
// before it expired, which reclaims slots held by a crashed instance.
//
// Implementations:
//
//   - memoryhost: single process.
//   - redishost: shared through Redis, for horizontally scaled gateways.
//
// sessionhosttest holds the conformance suite both must pass.
package sessions
