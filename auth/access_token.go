package auth

import (
	"context"
	"errors"
	"time"

	"github.com/orekyuu/mcp-ide-gateway/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of JWT validation
// (scopes, algorithms, leeway, audiences).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithAudiences sets the accepted aud values. A token must carry at least one.
func WithAudiences(aud ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Audiences = append([]string(nil), aud...) }
}

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.RequiredScopes = append([]string(nil), scopes...) }
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.AllowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// AccessTokenAuthenticator verifies JWT bearer tokens.
type AccessTokenAuthenticator struct {
	v *jwtauth.Verifier
}

var (
	_ Authenticator    = (*AccessTokenAuthenticator)(nil)
	_ ResourceMetadata = (*AccessTokenAuthenticator)(nil)
)

func buildConfig(issuer string, opts []AccessTokenAuthOption) *jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// NewHMAC returns an Authenticator for tokens signed with a shared secret,
// the usual setup when the IDE mints tokens for local clients. An empty
// issuer skips the iss check.
func NewHMAC(secret []byte, issuer string, opts ...AccessTokenAuthOption) (*AccessTokenAuthenticator, error) {
	v, err := jwtauth.NewHMAC(buildConfig(issuer, opts), secret)
	if err != nil {
		return nil, err
	}
	return &AccessTokenAuthenticator{v: v}, nil
}

// NewJWKS returns an Authenticator that resolves signing keys from jwksURL.
// Keys are refreshed in the background until ctx is done.
func NewJWKS(ctx context.Context, jwksURL, issuer string, opts ...AccessTokenAuthOption) (*AccessTokenAuthenticator, error) {
	v, err := jwtauth.NewJWKS(ctx, buildConfig(issuer, opts), jwksURL)
	if err != nil {
		return nil, err
	}
	return &AccessTokenAuthenticator{v: v}, nil
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 access
// tokens using the jwks_uri found through OpenID Connect discovery on issuer.
func NewFromDiscovery(ctx context.Context, issuer string, opts ...AccessTokenAuthOption) (*AccessTokenAuthenticator, error) {
	cfg := buildConfig(issuer, opts)
	cfg.RequireTyp = true
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &AccessTokenAuthenticator{v: v}, nil
}

// CheckAuthentication implements Authenticator.
func (a *AccessTokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	p, err := a.v.Verify(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfo{p: p}, nil
}

// AuthorizationServers returns the issuer, if one is configured.
func (a *AccessTokenAuthenticator) AuthorizationServers() []string {
	if iss := a.v.Issuer(); iss != "" {
		return []string{iss}
	}
	return nil
}

// ScopesSupported returns the scopes every token must carry.
func (a *AccessTokenAuthenticator) ScopesSupported() []string { return a.v.RequiredScopes() }

type userInfo struct{ p *jwtauth.Principal }

func (u userInfo) UserID() string       { return u.p.Subject }
func (u userInfo) Claims(ref any) error { return u.p.Claims(ref) }
