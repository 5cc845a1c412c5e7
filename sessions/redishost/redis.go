package redishost

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/orekyuu/mcp-ide-gateway/sessions"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed SessionHost. It can be loaded with envdecode.
type Config struct {
	Addr      string `env:"MCP_GATEWAY_REDIS_ADDR,default=localhost:6379"`
	Password  string `env:"MCP_GATEWAY_REDIS_PASSWORD"`
	DB        int    `env:"MCP_GATEWAY_REDIS_DB,default=0"`
	KeyPrefix string `env:"MCP_GATEWAY_REDIS_KEY_PREFIX,default=mcp:gateway:"`
}

type Host struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

var _ sessions.SessionHost = (*Host)(nil)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now, exp, limit, ttl = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4])
local member = ARGV[5]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
if not redis.call('ZSCORE', key, member) then
  if limit > 0 and redis.call('ZCARD', key) >= limit then
    return 0
  end
end
redis.call('ZADD', key, exp, member)
redis.call('PEXPIRE', key, ttl)
return 1
`)

var refreshScript = redis.NewScript(`
local key = KEYS[1]
local now, exp, ttl = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
if not redis.call('ZSCORE', key, member) then
  return 0
end
redis.call('ZADD', key, exp, member)
redis.call('PEXPIRE', key, ttl)
return 1
`)

// New dials Redis and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Host, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix), nil
}

// NewFromEnv builds a Host from MCP_GATEWAY_REDIS_* variables.
func NewFromEnv(ctx context.Context) (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient wraps an existing client. Close closes it.
func NewWithClient(cl redis.UniversalClient, keyPrefix string) *Host {
	if keyPrefix == "" {
		keyPrefix = "mcp:gateway:"
	}
	return &Host{client: cl, keyPrefix: keyPrefix, now: time.Now}
}

func (h *Host) Close() error { return h.client.Close() }

func (h *Host) clientKey(clientKey string) string { return h.keyPrefix + "client:" + clientKey }

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (h *Host) Acquire(ctx context.Context, clientKey, sessionID string, limit int, ttl time.Duration) error {
	now := h.now()
	ok, err := acquireScript.Run(ctx, h.client, []string{h.clientKey(clientKey)},
		ms(now), ms(now.Add(ttl)), limit, ttl.Milliseconds(), sessionID).Int()
	if err != nil {
		return fmt.Errorf("acquire session lease: %w", err)
	}
	if ok == 0 {
		return sessions.ErrTooManySessions
	}
	return nil
}

func (h *Host) Refresh(ctx context.Context, clientKey, sessionID string, ttl time.Duration) error {
	now := h.now()
	ok, err := refreshScript.Run(ctx, h.client, []string{h.clientKey(clientKey)},
		ms(now), ms(now.Add(ttl)), ttl.Milliseconds(), sessionID).Int()
	if err != nil {
		return fmt.Errorf("refresh session lease: %w", err)
	}
	if ok == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (h *Host) Release(ctx context.Context, clientKey, sessionID string) error {
	if err := h.client.ZRem(ctx, h.clientKey(clientKey), sessionID).Err(); err != nil {
		return fmt.Errorf("release session lease: %w", err)
	}
	return nil
}

func (h *Host) Count(ctx context.Context, clientKey string) (int, error) {
	n, err := h.client.ZCount(ctx, h.clientKey(clientKey), "("+ms(h.now()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count session leases: %w", err)
	}
	return int(n), nil
}
