package authflow

// selectScopes picks the scopes to request, first non-empty source wins:
// caller-configured scopes, then scopes demanded by a WWW-Authenticate
// challenge, then scopes advertised by the protected resource, then
// scopes advertised by the authorization server. Returns nil when no
// source names any, meaning the scope parameter is omitted entirely.
func selectScopes(configured []string, challenge *WWWAuthenticateChallenge, resource *ProtectedResourceMetadata, server *AuthorizationServerMetadata) []string {
	if len(configured) > 0 {
		return configured
	}
	if challenge != nil && len(challenge.Scopes) > 0 {
		return challenge.Scopes
	}
	if resource != nil && len(resource.ScopesSupported) > 0 {
		return resource.ScopesSupported
	}
	if server != nil && len(server.ScopesSupported) > 0 {
		return server.ScopesSupported
	}
	return nil
}
