// Package redishost implements sessions.SessionHost on Redis so that every
// gateway instance behind a load balancer sees the same per-client session
// count.
//
// Each client owns one sorted set whose members are session ids scored by
// lease expiry (unix milliseconds). Acquire and Refresh run as Lua scripts,
// pruning expired members and checking the limit atomically. The key itself
// carries a TTL so abandoned clients do not accumulate.
//
// Example:
//
//	host, err := redishost.New(ctx, redishost.Config{Addr: "localhost:6379"})
//	if err != nil { ... }
//	defer host.Close()
package redishost
