package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// NewHMAC builds a Verifier for tokens signed with a shared secret. Only HS*
// algorithms from cfg are kept; HS256 is used when none remain.
func NewHMAC(cfg *Config, secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac secret is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	c.AllowedAlgs = slices.DeleteFunc(slices.Clone(c.AllowedAlgs), func(alg string) bool {
		return !strings.HasPrefix(alg, "HS")
	})
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"HS256"}
	}
	return newVerifier(&c, allowAlg(c.AllowedAlgs, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return secret, nil
	}), "")
}

// NewJWKS builds a Verifier that resolves keys from a JWKS endpoint. Keys are
// refreshed in the background until ctx is done.
func NewJWKS(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	algs := cfg.AllowedAlgs
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	return newVerifier(cfg, allowAlg(algs, kf.Keyfunc), jwksURI)
}

// NewFromDiscovery resolves jwks_uri from the issuer's OpenID configuration
// and builds a JWKS Verifier for it.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewJWKS(ctx, cfg, meta.JwksURI)
}
