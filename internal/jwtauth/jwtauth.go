// Package jwtauth verifies bearer access tokens for the HTTP transport.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized means the token failed signature, issuer, audience or
	// time validation.
	ErrUnauthorized = errors.New("jwtauth: unauthorized")
	// ErrInsufficientScope means the token is valid but lacks required scopes.
	ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")
)

// Config controls how access tokens are validated.
type Config struct {
	// Issuer is matched against the iss claim when non-empty.
	Issuer string
	// Audiences lists accepted aud values. A token must carry at least one.
	// Empty disables the audience check.
	Audiences      []string
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
	// RequireTyp enforces the RFC 9068 "at+jwt" header.
	RequireTyp bool
}

// DefaultConfig returns a Config allowing RS256 with a one minute leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Principal is the subject of a verified token.
type Principal struct {
	Subject string
	Scopes  []string
	claims  jwt.MapClaims
}

// Claims decodes the raw token claims into ref.
func (p *Principal) Claims(ref any) error {
	b, err := json.Marshal(p.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier checks tokens against a key source and a Config.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	jwksURI string
}

func newVerifier(cfg *Config, kf jwt.Keyfunc, jwksURI string) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if slices.Contains(c.AllowedAlgs, "none") {
		return nil, errors.New("alg none is never allowed")
	}
	return &Verifier{cfg: c, keyfunc: kf, jwksURI: jwksURI}, nil
}

// Issuer returns the configured issuer.
func (v *Verifier) Issuer() string { return v.cfg.Issuer }

// JWKSURI returns the key set location, empty for shared-secret verifiers.
func (v *Verifier) JWKSURI() string { return v.jwksURI }

// RequiredScopes returns the scopes every token must carry.
func (v *Verifier) RequiredScopes() []string { return slices.Clone(v.cfg.RequiredScopes) }

// Verify parses and validates tok.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if v.cfg.RequireTyp {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	scopeStr, _ := claims["scope"].(string)
	scopes := strings.Fields(scopeStr)
	for _, want := range v.cfg.RequiredScopes {
		if !slices.Contains(scopes, want) {
			return nil, fmt.Errorf("%w: missing %s", ErrInsufficientScope, want)
		}
	}
	return &Principal{Subject: sub, Scopes: scopes, claims: claims}, nil
}

// allowAlg wraps kf so that tokens signed with algorithms outside algs are
// rejected before key lookup.
func allowAlg(algs []string, kf jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(algs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf(t)
	}
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
