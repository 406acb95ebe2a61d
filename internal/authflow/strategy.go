package authflow

import "context"

// RegistrationRequest is the client metadata submitted for dynamic
// client registration per RFC 7591.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// TokenExchange carries the authorization-code grant parameters.
type TokenExchange struct {
	Code        string
	Verifier    string
	RedirectURI string
	Resource    string
	Client      *ClientRegistration
}

// TokenRefresh carries the refresh grant parameters.
type TokenRefresh struct {
	RefreshToken string
	Resource     string
	Client       *ClientRegistration
}

// Strategy is the network mode the workflow talks to the authorization
// server through. The direct strategy issues calls straight to the
// server; the proxied strategy relays the same logical calls through a
// trusted intermediary. Both must be behaviorally equivalent: identical
// upstream responses produce identical results.
type Strategy interface {
	DiscoverResourceMetadata(ctx context.Context, endpoint string, challenge *WWWAuthenticateChallenge) (*ProtectedResourceMetadata, error)
	DiscoverServerMetadata(ctx context.Context, issuer string) (*AuthorizationServerMetadata, error)
	RegisterClient(ctx context.Context, registrationEndpoint string, req *RegistrationRequest) (*ClientRegistration, error)
	ExchangeToken(ctx context.Context, tokenEndpoint string, req *TokenExchange) (*TokenSet, error)
	RefreshToken(ctx context.Context, tokenEndpoint string, req *TokenRefresh) (*TokenSet, error)
}
