// Package authtest provides authenticators for tests and local development.
package authtest

import (
	"context"
	"encoding/json"

	"github.com/orekyuu/mcp-ide-gateway/auth"
)

// StaticTokens accepts a fixed set of bearer tokens, each mapped to a user id.
type StaticTokens map[string]string

var _ auth.Authenticator = StaticTokens(nil)

// CheckAuthentication implements auth.Authenticator.
func (s StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := s[tok]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return user(uid), nil
}

type user string

func (u user) UserID() string { return string(u) }

func (u user) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": string(u)})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
