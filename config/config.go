// Package config loads gateway settings from defaults, an optional YAML file
// and MCP_GATEWAY_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	ListenAddress string `yaml:"listenAddress" env:"MCP_GATEWAY_LISTEN_ADDRESS"`
	EndpointPath  string `yaml:"endpointPath" env:"MCP_GATEWAY_ENDPOINT_PATH"`
	// PublicURL is the externally visible endpoint URL. It defaults to
	// http://<listenAddress><endpointPath>.
	PublicURL string `yaml:"publicURL" env:"MCP_GATEWAY_PUBLIC_URL"`

	MaxConcurrentSessionsPerClient int           `yaml:"maxConcurrentSessionsPerClient" env:"MCP_GATEWAY_MAX_SESSIONS_PER_CLIENT"`
	RequestTimeoutDefault          time.Duration `yaml:"requestTimeoutDefault" env:"MCP_GATEWAY_REQUEST_TIMEOUT"`
	StreamingBackpressureWatermark int           `yaml:"streamingBackpressureWatermark" env:"MCP_GATEWAY_BACKPRESSURE_WATERMARK"`
	BackpressureTimeout            time.Duration `yaml:"backpressureTimeout" env:"MCP_GATEWAY_BACKPRESSURE_TIMEOUT"`
	HostDispatchFairnessQuota      time.Duration `yaml:"hostDispatchFairnessQuota" env:"MCP_GATEWAY_HOST_FAIRNESS_QUOTA"`
	CallerPoolSize                 int           `yaml:"callerPoolSize" env:"MCP_GATEWAY_CALLER_POOL_SIZE"`
	KeepAliveInterval              time.Duration `yaml:"keepAliveInterval" env:"MCP_GATEWAY_KEEPALIVE_INTERVAL"`
	SessionIdleTTL                 time.Duration `yaml:"sessionIdleTTL" env:"MCP_GATEWAY_SESSION_IDLE_TTL"`
	MetricsPath                    string        `yaml:"metricsPath" env:"MCP_GATEWAY_METRICS_PATH"`

	// AggregateResultLimit caps, in bytes, the streamed output collected into
	// one result for clients that cannot receive chunks.
	AggregateResultLimit int `yaml:"aggregateResultLimit" env:"MCP_GATEWAY_AGGREGATE_RESULT_LIMIT"`

	Redis RedisConfig `yaml:"redis"`
	Auth  AuthConfig  `yaml:"auth"`
	Log   LogConfig   `yaml:"log"`
}

// RedisConfig selects the Redis session host. An empty Addr keeps session
// accounting in memory.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"MCP_GATEWAY_REDIS_ADDR"`
	Password  string `yaml:"password" env:"MCP_GATEWAY_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"MCP_GATEWAY_REDIS_DB"`
	KeyPrefix string `yaml:"keyPrefix" env:"MCP_GATEWAY_REDIS_KEY_PREFIX"`
}

// AuthConfig enables bearer authentication on the HTTP transport. At most
// one of HMACSecret and JWKSURL may be set; Issuer alone means OpenID
// discovery.
type AuthConfig struct {
	HMACSecret string `yaml:"hmacSecret" env:"MCP_GATEWAY_AUTH_HMAC_SECRET"`
	JWKSURL    string `yaml:"jwksURL" env:"MCP_GATEWAY_AUTH_JWKS_URL"`
	Issuer     string `yaml:"issuer" env:"MCP_GATEWAY_AUTH_ISSUER"`
	Audience   string `yaml:"audience" env:"MCP_GATEWAY_AUTH_AUDIENCE"`
}

// Enabled reports whether any authentication mode is configured.
func (a AuthConfig) Enabled() bool {
	return a.HMACSecret != "" || a.JWKSURL != "" || a.Issuer != ""
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"MCP_GATEWAY_LOG_LEVEL"`
	Format string `yaml:"format" env:"MCP_GATEWAY_LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddress:                  "127.0.0.1:3000",
		EndpointPath:                   "/mcp",
		MaxConcurrentSessionsPerClient: 8,
		RequestTimeoutDefault:          60 * time.Second,
		StreamingBackpressureWatermark: 64,
		HostDispatchFairnessQuota:      20 * time.Millisecond,
		AggregateResultLimit:           1 << 20,
		CallerPoolSize:                 32,
		KeepAliveInterval:              30 * time.Second,
		SessionIdleTTL:                 30 * time.Minute,
		MetricsPath:                    "/metrics",
		Redis:                          RedisConfig{KeyPrefix: "mcp:gateway:"},
		Log:                            LogConfig{Level: "info", Format: "json"},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when
// path is empty) and then the environment. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddress == "" {
		errs = append(errs, errors.New("listenAddress is required"))
	}
	if !strings.HasPrefix(c.EndpointPath, "/") {
		errs = append(errs, fmt.Errorf("endpointPath %q must start with /", c.EndpointPath))
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("metricsPath %q must start with /", c.MetricsPath))
	}
	if c.MetricsPath != "" && c.MetricsPath == c.EndpointPath {
		errs = append(errs, errors.New("metricsPath and endpointPath must differ"))
	}
	if c.MaxConcurrentSessionsPerClient < 0 {
		errs = append(errs, errors.New("maxConcurrentSessionsPerClient must not be negative"))
	}
	if c.RequestTimeoutDefault < 0 {
		errs = append(errs, errors.New("requestTimeoutDefault must not be negative"))
	}
	if c.StreamingBackpressureWatermark < 1 {
		errs = append(errs, errors.New("streamingBackpressureWatermark must be at least 1"))
	}
	if c.BackpressureTimeout < 0 {
		errs = append(errs, errors.New("backpressureTimeout must not be negative"))
	}
	if c.HostDispatchFairnessQuota <= 0 {
		errs = append(errs, errors.New("hostDispatchFairnessQuota must be positive"))
	}
	if c.AggregateResultLimit < 1 {
		errs = append(errs, errors.New("aggregateResultLimit must be at least 1"))
	}
	if c.CallerPoolSize < 1 {
		errs = append(errs, errors.New("callerPoolSize must be at least 1"))
	}
	if c.KeepAliveInterval <= 0 {
		errs = append(errs, errors.New("keepAliveInterval must be positive"))
	}
	if c.SessionIdleTTL < 0 {
		errs = append(errs, errors.New("sessionIdleTTL must not be negative"))
	}
	if c.Auth.HMACSecret != "" && c.Auth.JWKSURL != "" {
		errs = append(errs, errors.New("auth.hmacSecret and auth.jwksURL are mutually exclusive"))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// EndpointURL returns PublicURL, or the URL derived from the listen address.
func (c *Config) EndpointURL() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	return "http://" + c.ListenAddress + c.EndpointPath
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the configured slog logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
