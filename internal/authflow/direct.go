package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/mcp-conduit/internal/logging"
)

// directStrategy issues authorization calls straight to the discovered
// endpoints.
type directStrategy struct {
	httpClient      *http.Client
	discoveryClient *http.Client
	logger          *logging.Logger
}

func newDirectStrategy(httpClient *http.Client, logger *logging.Logger) *directStrategy {
	return &directStrategy{
		httpClient:      httpClient,
		discoveryClient: newDiscoveryClient(),
		logger:          logger,
	}
}

func (s *directStrategy) DiscoverResourceMetadata(ctx context.Context, endpoint string, challenge *WWWAuthenticateChallenge) (*ProtectedResourceMetadata, error) {
	var candidates []string
	if challenge != nil && challenge.ResourceMetadataURL != "" {
		s.logger.InfoVerbose("Using resource_metadata URL from WWW-Authenticate: %s", challenge.ResourceMetadataURL)
		candidates = []string{challenge.ResourceMetadataURL}
	} else {
		uris, err := resourceMetadataURLs(endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to build well-known URIs: %w", err)
		}
		candidates = uris
	}

	var lastErr error
	for i, uri := range candidates {
		s.logger.InfoVerbose("Trying resource metadata URI (%d/%d): %s", i+1, len(candidates), uri)
		var md ProtectedResourceMetadata
		if err := fetchJSONDocument(ctx, s.discoveryClient, uri, &md); err != nil {
			s.logger.WarningVerbose("Failed to fetch from %s: %v", uri, err)
			lastErr = err
			continue
		}
		if err := validateResourceMetadata(&md); err != nil {
			s.logger.WarningVerbose("Invalid resource metadata from %s: %v", uri, err)
			lastErr = err
			continue
		}
		s.logger.InfoVerbose("Discovered protected resource metadata from: %s", uri)
		return &md, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no protected resource metadata found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no protected resource metadata found at well-known URIs")
}

func (s *directStrategy) DiscoverServerMetadata(ctx context.Context, issuer string) (*AuthorizationServerMetadata, error) {
	endpoints, err := serverMetadataURLs(issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery endpoints: %w", err)
	}

	var lastErr error
	for i, endpoint := range endpoints {
		s.logger.InfoVerbose("Trying server metadata endpoint (%d/%d): %s", i+1, len(endpoints), endpoint)
		var md AuthorizationServerMetadata
		if err := fetchJSONDocument(ctx, s.discoveryClient, endpoint, &md); err != nil {
			s.logger.WarningVerbose("Failed to fetch from %s: %v", endpoint, err)
			lastErr = err
			continue
		}
		if err := validateServerMetadata(&md); err != nil {
			s.logger.WarningVerbose("Invalid server metadata from %s: %v", endpoint, err)
			lastErr = err
			continue
		}
		s.logger.InfoVerbose("Discovered authorization server metadata from: %s", endpoint)
		return &md, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no valid server metadata found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no server metadata found at any discovery endpoint")
}

func (s *directStrategy) RegisterClient(ctx context.Context, registrationEndpoint string, reg *RegistrationRequest) (*ClientRegistration, error) {
	if registrationEndpoint == "" {
		return nil, fmt.Errorf("authorization server does not support dynamic registration")
	}

	body, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read registration response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, raw)
	}

	var client ClientRegistration
	if err := json.Unmarshal(raw, &client); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if client.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}
	return &client, nil
}

func (s *directStrategy) ExchangeToken(ctx context.Context, tokenEndpoint string, exchange *TokenExchange) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {exchange.Code},
		"code_verifier": {exchange.Verifier},
		"redirect_uri":  {exchange.RedirectURI},
	}
	if exchange.Resource != "" {
		form.Set("resource", exchange.Resource)
	}
	return s.tokenCall(ctx, tokenEndpoint, form, exchange.Client)
}

func (s *directStrategy) RefreshToken(ctx context.Context, tokenEndpoint string, refresh *TokenRefresh) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh.RefreshToken},
	}
	if refresh.Resource != "" {
		form.Set("resource", refresh.Resource)
	}
	return s.tokenCall(ctx, tokenEndpoint, form, refresh.Client)
}

// tokenCall posts one grant to the token endpoint. Confidential clients
// authenticate with HTTP basic auth; public clients pass client_id in
// the form body.
func (s *directStrategy) tokenCall(ctx context.Context, tokenEndpoint string, form url.Values, client *ClientRegistration) (*TokenSet, error) {
	if client == nil || client.ClientID == "" {
		return nil, fmt.Errorf("token request requires a client registration")
	}
	if client.ClientSecret == "" {
		form.Set("client_id", client.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if client.ClientSecret != "" {
		req.SetBasicAuth(client.ClientID, client.ClientSecret)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, raw)
	}

	var tokens TokenSet
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	tokens.ObtainedAt = time.Now()
	return &tokens, nil
}
