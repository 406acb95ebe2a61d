package authflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/giantswarm/mcp-conduit/internal/logging"
)

// Fixed local paths the intermediary exposes. Each relays one logical
// authorization call to the real target named in the envelope.
const (
	proxyPathMetadata         = "/oauth/metadata"
	proxyPathResourceMetadata = "/oauth/resource-metadata"
	proxyPathRegister         = "/oauth/register"
	proxyPathToken            = "/oauth/token"
)

// proxyEnvelope wraps one relayed call: the real target endpoint plus
// the payload the proxy forwards to it unchanged.
type proxyEnvelope struct {
	Endpoint string      `json:"endpoint"`
	Payload  interface{} `json:"payload,omitempty"`
}

// proxyStrategy relays authorization calls through a trusted
// intermediary. The intermediary performs the upstream exchange and
// returns the upstream response body verbatim, so results are identical
// to the direct strategy's.
type proxyStrategy struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logging.Logger
}

func newProxyStrategy(baseURL, token string, httpClient *http.Client, logger *logging.Logger) *proxyStrategy {
	return &proxyStrategy{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (s *proxyStrategy) DiscoverResourceMetadata(ctx context.Context, endpoint string, challenge *WWWAuthenticateChallenge) (*ProtectedResourceMetadata, error) {
	envelope := proxyEnvelope{Endpoint: endpoint}
	if challenge != nil && challenge.ResourceMetadataURL != "" {
		envelope.Endpoint = challenge.ResourceMetadataURL
	}

	var md ProtectedResourceMetadata
	if err := s.relay(ctx, proxyPathResourceMetadata, envelope, &md); err != nil {
		return nil, err
	}
	if err := validateResourceMetadata(&md); err != nil {
		return nil, fmt.Errorf("invalid resource metadata from proxy: %w", err)
	}
	return &md, nil
}

func (s *proxyStrategy) DiscoverServerMetadata(ctx context.Context, issuer string) (*AuthorizationServerMetadata, error) {
	var md AuthorizationServerMetadata
	if err := s.relay(ctx, proxyPathMetadata, proxyEnvelope{Endpoint: issuer}, &md); err != nil {
		return nil, err
	}
	if err := validateServerMetadata(&md); err != nil {
		return nil, fmt.Errorf("invalid server metadata from proxy: %w", err)
	}
	return &md, nil
}

func (s *proxyStrategy) RegisterClient(ctx context.Context, registrationEndpoint string, reg *RegistrationRequest) (*ClientRegistration, error) {
	if registrationEndpoint == "" {
		return nil, fmt.Errorf("authorization server does not support dynamic registration")
	}

	var client ClientRegistration
	envelope := proxyEnvelope{Endpoint: registrationEndpoint, Payload: reg}
	if err := s.relay(ctx, proxyPathRegister, envelope, &client); err != nil {
		return nil, err
	}
	if client.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}
	return &client, nil
}

func (s *proxyStrategy) ExchangeToken(ctx context.Context, tokenEndpoint string, exchange *TokenExchange) (*TokenSet, error) {
	payload := map[string]string{
		"grant_type":    "authorization_code",
		"code":          exchange.Code,
		"code_verifier": exchange.Verifier,
		"redirect_uri":  exchange.RedirectURI,
	}
	if exchange.Resource != "" {
		payload["resource"] = exchange.Resource
	}
	return s.tokenRelay(ctx, tokenEndpoint, payload, exchange.Client)
}

func (s *proxyStrategy) RefreshToken(ctx context.Context, tokenEndpoint string, refresh *TokenRefresh) (*TokenSet, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refresh.RefreshToken,
	}
	if refresh.Resource != "" {
		payload["resource"] = refresh.Resource
	}
	return s.tokenRelay(ctx, tokenEndpoint, payload, refresh.Client)
}

func (s *proxyStrategy) tokenRelay(ctx context.Context, tokenEndpoint string, payload map[string]string, client *ClientRegistration) (*TokenSet, error) {
	if client == nil || client.ClientID == "" {
		return nil, fmt.Errorf("token request requires a client registration")
	}
	payload["client_id"] = client.ClientID
	if client.ClientSecret != "" {
		payload["client_secret"] = client.ClientSecret
	}

	var tokens TokenSet
	envelope := proxyEnvelope{Endpoint: tokenEndpoint, Payload: payload}
	if err := s.relay(ctx, proxyPathToken, envelope, &tokens); err != nil {
		return nil, err
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	tokens.ObtainedAt = time.Now()
	return &tokens, nil
}

// relay posts one envelope to a fixed proxy path and decodes the
// upstream response it returns. Non-success statuses map to the fixed
// ProxyError taxonomy.
func (s *proxyStrategy) relay(ctx context.Context, path string, envelope proxyEnvelope, out interface{}) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode proxy envelope: %w", err)
	}

	s.logger.InfoVerbose("Relaying %s call via proxy for target: %s", path, envelope.Endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("proxy request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return fmt.Errorf("failed to read proxy response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return newProxyError(resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse proxy response: %w", err)
	}
	return nil
}
