// Package wellknown holds documents served under /.well-known/.
package wellknown

// ProtectedResourceMetadata is the OAuth 2.0 Protected Resource Metadata
// document (RFC 9728) describing the gateway endpoint.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// ProtectedResourcePath returns the metadata location for an endpoint path,
// following the path-suffix convention of RFC 9728 section 3.
func ProtectedResourcePath(endpointPath string) string {
	if endpointPath == "" || endpointPath == "/" {
		return "/.well-known/oauth-protected-resource"
	}
	return "/.well-known/oauth-protected-resource" + endpointPath
}
