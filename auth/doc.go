// Package auth provides bearer token authentication for the streaming HTTP
// transport. An Authenticator validates the token string taken from the
// Authorization header and returns a UserInfo whose UserID becomes the
// client key of any session it opens.
//
// Three constructors cover the common deployments:
//
//	auth.NewHMAC(secret, "ide")                       // tokens minted by the IDE
//	auth.NewJWKS(ctx, "https://idp/keys", issuer)     // static key set
//	auth.NewFromDiscovery(ctx, "https://idp")         // OpenID discovery
//
// ErrUnauthorized signals an invalid token. ErrInsufficientScope signals a
// valid token missing a scope required through WithRequiredScopes.
package auth
