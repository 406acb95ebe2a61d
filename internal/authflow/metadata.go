package authflow

import (
	"fmt"
	"net/url"
	"strings"
)

// ProtectedResourceMetadata is the RFC 9728 discovery document naming
// which authorization servers protect a resource and what scopes it
// supports.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// AuthorizationServerMetadata is the RFC 8414 / OIDC Discovery document
// describing an authorization server's endpoints and capabilities.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	CodeChallengeMethods              []string `json:"code_challenge_methods_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// WWWAuthenticateChallenge carries the OAuth parameters parsed from a
// WWW-Authenticate response header per RFC 6750 and RFC 9728.
type WWWAuthenticateChallenge struct {
	Scheme              string
	ResourceMetadataURL string
	Scopes              []string
	ErrorCode           string
	ErrorDescription    string
}

// ParseWWWAuthenticate extracts OAuth challenge parameters from a
// WWW-Authenticate header value, e.g.
//
//	Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource", scope="files:read"
func ParseWWWAuthenticate(header string) (*WWWAuthenticateChallenge, error) {
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(header, " ", 2)
	challenge := &WWWAuthenticateChallenge{Scheme: parts[0]}
	if len(parts) < 2 {
		return challenge, nil
	}

	params := parseAuthParams(parts[1])
	challenge.ResourceMetadataURL = params["resource_metadata"]
	challenge.ErrorCode = params["error"]
	challenge.ErrorDescription = params["error_description"]
	if scope := params["scope"]; scope != "" {
		challenge.Scopes = strings.Fields(scope)
	}
	return challenge, nil
}

// parseAuthParams splits `key1="v1", key2=v2` style parameter lists,
// respecting quoted commas.
func parseAuthParams(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range splitOutsideQuotes(raw, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(part[:eq])
		value := strings.TrimSpace(part[eq+1:])
		value = strings.Trim(value, `"`)
		if key != "" {
			result[key] = value
		}
	}
	return result
}

func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuotes = !inQuotes
			current.WriteByte(s[i])
		case s[i] == sep && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteByte(s[i])
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func isLocalhost(host string) bool {
	for _, prefix := range []string{"localhost", "127.0.0.1", "[::1]"} {
		if host == prefix || strings.HasPrefix(host, prefix+":") {
			return true
		}
	}
	return false
}

// validateEndpointURL checks that an endpoint is an absolute http(s)
// URL; plain http is only allowed for loopback hosts.
func validateEndpointURL(name, endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid %s URL: %w", name, err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("%s must be an absolute URL: %s", name, endpoint)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if !isLocalhost(parsed.Host) {
			return fmt.Errorf("%s must use https (http only allowed for localhost): %s", name, endpoint)
		}
	default:
		return fmt.Errorf("%s must use http or https scheme: %s", name, endpoint)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s missing host: %s", name, endpoint)
	}
	return nil
}

// validateResourceMetadata enforces the required RFC 9728 fields.
func validateResourceMetadata(md *ProtectedResourceMetadata) error {
	if md.Resource == "" {
		return fmt.Errorf("missing required field: resource")
	}
	if len(md.AuthorizationServers) == 0 {
		return fmt.Errorf("missing required field: authorization_servers")
	}
	for i, as := range md.AuthorizationServers {
		if err := validateEndpointURL(fmt.Sprintf("authorization server %d", i), as); err != nil {
			return err
		}
	}
	return nil
}

// validateServerMetadata enforces the required RFC 8414 fields.
func validateServerMetadata(md *AuthorizationServerMetadata) error {
	if md.Issuer == "" {
		return fmt.Errorf("missing required field: issuer")
	}
	if md.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing required field: authorization_endpoint")
	}
	if md.TokenEndpoint == "" {
		return fmt.Errorf("missing required field: token_endpoint")
	}

	endpoints := map[string]string{
		"issuer":                 md.Issuer,
		"authorization_endpoint": md.AuthorizationEndpoint,
		"token_endpoint":         md.TokenEndpoint,
	}
	if md.RegistrationEndpoint != "" {
		endpoints["registration_endpoint"] = md.RegistrationEndpoint
	}
	for name, endpoint := range endpoints {
		if err := validateEndpointURL(name, endpoint); err != nil {
			return err
		}
	}
	return nil
}

// validatePKCESupport checks that the server advertises the S256 code
// challenge method, as authorization servers are required to.
func validatePKCESupport(md *AuthorizationServerMetadata) error {
	if len(md.CodeChallengeMethods) == 0 {
		return fmt.Errorf("authorization server does not advertise PKCE support (code_challenge_methods_supported missing or empty)")
	}
	for _, method := range md.CodeChallengeMethods {
		if method == codeChallengeMethodS256 {
			return nil
		}
	}
	return fmt.Errorf("authorization server does not support the S256 PKCE method (advertises: %v)", md.CodeChallengeMethods)
}

// selectAuthorizationServer picks the authorization server to use from
// resource metadata. A configured preference must appear in the
// advertised list; otherwise the first advertised server wins.
func selectAuthorizationServer(md *ProtectedResourceMetadata, preferred string) (string, error) {
	if len(md.AuthorizationServers) == 0 {
		return "", fmt.Errorf("no authorization servers available")
	}
	if preferred != "" {
		for _, server := range md.AuthorizationServers {
			if server == preferred {
				return server, nil
			}
		}
		return "", fmt.Errorf("preferred authorization server not advertised by resource: %s", preferred)
	}
	return md.AuthorizationServers[0], nil
}
