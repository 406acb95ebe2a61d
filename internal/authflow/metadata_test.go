package authflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   *WWWAuthenticateChallenge
		noErr  bool
	}{
		{
			name:   "bearer with resource metadata and scope",
			header: `Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource", scope="files:read files:write", error="insufficient_scope"`,
			want: &WWWAuthenticateChallenge{
				Scheme:              "Bearer",
				ResourceMetadataURL: "https://mcp.example.com/.well-known/oauth-protected-resource",
				Scopes:              []string{"files:read", "files:write"},
				ErrorCode:           "insufficient_scope",
			},
			noErr: true,
		},
		{
			name:   "scheme only",
			header: "Bearer",
			want:   &WWWAuthenticateChallenge{Scheme: "Bearer"},
			noErr:  true,
		},
		{
			name:   "unquoted values",
			header: `Bearer error=invalid_token, error_description="The token expired"`,
			want: &WWWAuthenticateChallenge{
				Scheme:           "Bearer",
				ErrorCode:        "invalid_token",
				ErrorDescription: "The token expired",
			},
			noErr: true,
		},
		{
			name:   "quoted comma preserved",
			header: `Bearer error_description="first, second"`,
			want: &WWWAuthenticateChallenge{
				Scheme:           "Bearer",
				ErrorDescription: "first, second",
			},
			noErr: true,
		},
		{
			name:   "empty header",
			header: "",
			noErr:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWWWAuthenticate(tt.header)
			if !tt.noErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateResourceMetadata(t *testing.T) {
	valid := &ProtectedResourceMetadata{
		Resource:             "https://mcp.example.com/mcp",
		AuthorizationServers: []string{"https://auth.example.com"},
	}
	assert.NoError(t, validateResourceMetadata(valid))

	assert.Error(t, validateResourceMetadata(&ProtectedResourceMetadata{
		AuthorizationServers: []string{"https://auth.example.com"},
	}), "missing resource")

	assert.Error(t, validateResourceMetadata(&ProtectedResourceMetadata{
		Resource: "https://mcp.example.com/mcp",
	}), "missing authorization servers")

	assert.Error(t, validateResourceMetadata(&ProtectedResourceMetadata{
		Resource:             "https://mcp.example.com/mcp",
		AuthorizationServers: []string{"http://auth.example.com"},
	}), "plain http on non-localhost server")

	assert.NoError(t, validateResourceMetadata(&ProtectedResourceMetadata{
		Resource:             "http://localhost:9000/mcp",
		AuthorizationServers: []string{"http://localhost:9000"},
	}), "plain http allowed on localhost")
}

func TestValidateServerMetadata(t *testing.T) {
	valid := &AuthorizationServerMetadata{
		Issuer:                "https://auth.example.com",
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
	}
	assert.NoError(t, validateServerMetadata(valid))

	missing := *valid
	missing.TokenEndpoint = ""
	assert.Error(t, validateServerMetadata(&missing))

	relative := *valid
	relative.RegistrationEndpoint = "/register"
	assert.Error(t, validateServerMetadata(&relative))
}

func TestValidatePKCESupport(t *testing.T) {
	assert.NoError(t, validatePKCESupport(&AuthorizationServerMetadata{
		CodeChallengeMethods: []string{"S256"},
	}))
	assert.NoError(t, validatePKCESupport(&AuthorizationServerMetadata{
		CodeChallengeMethods: []string{"S256", "plain"},
	}))
	assert.Error(t, validatePKCESupport(&AuthorizationServerMetadata{
		CodeChallengeMethods: []string{"plain"},
	}))
	assert.Error(t, validatePKCESupport(&AuthorizationServerMetadata{}))
}

func TestSelectAuthorizationServer(t *testing.T) {
	md := &ProtectedResourceMetadata{
		AuthorizationServers: []string{"https://first.example.com", "https://second.example.com"},
	}

	server, err := selectAuthorizationServer(md, "")
	require.NoError(t, err)
	assert.Equal(t, "https://first.example.com", server)

	server, err = selectAuthorizationServer(md, "https://second.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://second.example.com", server)

	_, err = selectAuthorizationServer(md, "https://absent.example.com")
	assert.Error(t, err)
}

func TestSelectScopes(t *testing.T) {
	challenge := &WWWAuthenticateChallenge{Scopes: []string{"challenge:scope"}}
	resource := &ProtectedResourceMetadata{ScopesSupported: []string{"read", "write"}}
	server := &AuthorizationServerMetadata{ScopesSupported: []string{"server:scope"}}

	assert.Equal(t, []string{"caller"}, selectScopes([]string{"caller"}, challenge, resource, server))
	assert.Equal(t, []string{"challenge:scope"}, selectScopes(nil, challenge, resource, server))
	assert.Equal(t, []string{"read", "write"}, selectScopes(nil, nil, resource, server))
	assert.Equal(t, []string{"server:scope"}, selectScopes(nil, nil, nil, server))
	assert.Nil(t, selectScopes(nil, nil, nil, nil))
}

func TestCanonicalResource(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
		wantErr  bool
	}{
		{endpoint: "https://MCP.Example.Com:443/mcp", want: "https://mcp.example.com/mcp"},
		{endpoint: "https://example.com:8443/mcp", want: "https://example.com:8443/mcp"},
		{endpoint: "http://localhost:8090/mcp", want: "http://localhost:8090/mcp"},
		{endpoint: "http://example.com:80/mcp/", want: "http://example.com/mcp"},
		{endpoint: "https://[::1]:8443/mcp", want: "https://[::1]:8443/mcp"},
		{endpoint: "https://example.com/", want: "https://example.com/"},
		{endpoint: "not a url", wantErr: true},
		{endpoint: "/relative/path", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := CanonicalResource(tt.endpoint)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResourceMetadataURLs(t *testing.T) {
	uris, err := resourceMetadataURLs("https://mcp.example.com/mcp")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://mcp.example.com/.well-known/oauth-protected-resource/mcp",
		"https://mcp.example.com/.well-known/oauth-protected-resource",
	}, uris)

	uris, err = resourceMetadataURLs("https://mcp.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://mcp.example.com/.well-known/oauth-protected-resource",
	}, uris)
}

func TestServerMetadataURLs(t *testing.T) {
	uris, err := serverMetadataURLs("https://auth.example.com/tenant1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://auth.example.com/.well-known/oauth-authorization-server/tenant1",
		"https://auth.example.com/.well-known/openid-configuration/tenant1",
		"https://auth.example.com/tenant1/.well-known/openid-configuration",
	}, uris)

	uris, err = serverMetadataURLs("https://auth.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://auth.example.com/.well-known/oauth-authorization-server",
		"https://auth.example.com/.well-known/openid-configuration",
	}, uris)

	_, err = serverMetadataURLs("http://auth.example.com")
	assert.Error(t, err, "plain http requires localhost")
}
