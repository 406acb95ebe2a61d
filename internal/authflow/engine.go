// Package authflow implements the OAuth 2.1 authorization workflow for
// protected MCP endpoints: protected-resource and authorization-server
// discovery, client registration, the PKCE authorization-code exchange,
// and token refresh. The workflow runs as an ordered sequence of steps
// over one of two interchangeable network strategies, direct or proxied.
package authflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-conduit/internal/logging"
)

// Step names one stage of the authorization workflow.
type Step string

const (
	StepMetadataDiscovery     Step = "metadata_discovery"
	StepClientRegistration    Step = "client_registration"
	StepAuthorizationRedirect Step = "authorization_redirect"
	StepAuthorizationCode     Step = "authorization_code"
	StepTokenRequest          Step = "token_request"
	StepValidate              Step = "validate"
	StepComplete              Step = "complete"
)

// State is the observable progress of one authorization attempt. Steps
// advance monotonically in the declared order; a failed step leaves the
// state where it was so the same step can be retried.
type State struct {
	Step              Step
	Resource          string
	ResourceMetadata  *ProtectedResourceMetadata
	ServerMetadata    *AuthorizationServerMetadata
	Client            *ClientRegistration
	Scopes            []string
	AuthorizationURL  string
	AuthorizationCode string
	Tokens            *TokenSet
	ValidationError   string
	LatestError       error
}

// Engine drives one authorization attempt step by step. Exactly one
// step executes at a time; callers must not issue concurrent Execute
// calls against the same engine.
type Engine struct {
	cfg      *Config
	strategy Strategy
	store    CredentialStore
	logger   *logging.Logger

	challenge   *WWWAuthenticateChallenge
	pendingCode string
	replayState string
	state       State
}

// NewEngine creates an engine for the configured server. The network
// strategy is selected by configuration: proxied when a proxy URL is
// set, direct otherwise.
func NewEngine(cfg Config) (*Engine, error) {
	full := cfg.WithDefaults()
	if err := full.Validate(); err != nil {
		return nil, fmt.Errorf("invalid authorization configuration: %w", err)
	}

	var strategy Strategy
	if full.ProxyURL != "" {
		strategy = newProxyStrategy(full.ProxyURL, full.ProxyToken, full.HTTPClient, full.Logger)
	} else {
		strategy = newDirectStrategy(full.HTTPClient, full.Logger)
	}

	return newEngineWithStrategy(full, strategy), nil
}

func newEngineWithStrategy(cfg *Config, strategy Strategy) *Engine {
	return &Engine{
		cfg:      cfg,
		strategy: strategy,
		store:    cfg.Store,
		logger:   cfg.Logger,
		state:    State{Step: StepMetadataDiscovery},
	}
}

// State returns a snapshot of the current authorization state.
func (e *Engine) State() State {
	return e.state
}

// Step returns the current workflow step.
func (e *Engine) Step() Step {
	return e.state.Step
}

// SetChallenge feeds the engine a WWW-Authenticate challenge observed on
// the protected endpoint, steering discovery and scope selection.
func (e *Engine) SetChallenge(challenge *WWWAuthenticateChallenge) {
	e.challenge = challenge
}

// ProvideAuthorizationCode records the code returned by the
// authorization server for validation by the next Execute call.
func (e *Engine) ProvideAuthorizationCode(code string) {
	e.pendingCode = code
}

// Restart resets the attempt to the beginning, discarding in-flight
// progress but not stored credentials.
func (e *Engine) Restart() {
	e.pendingCode = ""
	e.replayState = ""
	e.state = State{Step: StepMetadataDiscovery}
}

// CanTransition reports whether the current step has everything it
// needs to execute.
func (e *Engine) CanTransition() bool {
	switch e.state.Step {
	case StepMetadataDiscovery:
		return true
	case StepClientRegistration:
		return e.state.ServerMetadata != nil
	case StepAuthorizationRedirect:
		return e.state.Client != nil
	case StepAuthorizationCode:
		return e.state.AuthorizationURL != ""
	case StepTokenRequest:
		return e.state.AuthorizationCode != ""
	case StepValidate:
		return e.state.Tokens != nil
	default:
		return false
	}
}

// Execute runs the current step and advances on success. Executing a
// step whose preconditions are not met fails without mutating state.
// Step failures are recorded in the state's LatestError so the caller
// can inspect and retry without losing earlier progress.
func (e *Engine) Execute(ctx context.Context) error {
	if !e.CanTransition() {
		return fmt.Errorf("cannot transition from step %s", e.state.Step)
	}

	step := e.state.Step
	e.logger.InfoVerbose("Executing authorization step: %s", step)

	var err error
	switch step {
	case StepMetadataDiscovery:
		err = e.execMetadataDiscovery(ctx)
	case StepClientRegistration:
		err = e.execClientRegistration(ctx)
	case StepAuthorizationRedirect:
		err = e.execAuthorizationRedirect()
	case StepAuthorizationCode:
		err = e.execAuthorizationCode()
	case StepTokenRequest:
		err = e.execTokenRequest(ctx)
	case StepValidate:
		err = e.execValidate(ctx)
	}

	if err != nil {
		if verr, ok := err.(*ValidationError); ok {
			// Recoverable input problem: surfaced separately, the step
			// does not advance and prior progress is kept.
			e.state.ValidationError = verr.Message
			return verr
		}
		stepErr := &OAuthStepError{Step: step, Err: err}
		e.state.LatestError = stepErr
		e.logger.Warning("Authorization step %s failed: %v", step, err)
		return stepErr
	}

	e.state.ValidationError = ""
	e.state.LatestError = nil
	e.advance()
	e.logger.InfoVerbose("Authorization advanced to step: %s", e.state.Step)
	return nil
}

func (e *Engine) advance() {
	switch e.state.Step {
	case StepMetadataDiscovery:
		e.state.Step = StepClientRegistration
	case StepClientRegistration:
		e.state.Step = StepAuthorizationRedirect
	case StepAuthorizationRedirect:
		e.state.Step = StepAuthorizationCode
	case StepAuthorizationCode:
		e.state.Step = StepTokenRequest
	case StepTokenRequest:
		if e.cfg.ValidateTokens {
			e.state.Step = StepValidate
		} else {
			e.state.Step = StepComplete
		}
	case StepValidate:
		e.state.Step = StepComplete
	}
}

func (e *Engine) execMetadataDiscovery(ctx context.Context) error {
	resource, err := CanonicalResource(e.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("failed to derive resource indicator: %w", err)
	}

	issuer := serverOrigin(e.cfg.ServerURL)

	rmd, err := e.strategy.DiscoverResourceMetadata(ctx, e.cfg.ServerURL, e.challenge)
	if err != nil {
		// Discovery of the resource document is best-effort: fall back
		// to treating the target's own origin as the authorization
		// server.
		e.logger.WarningVerbose("Resource metadata discovery failed, falling back to %s: %v", issuer, err)
	} else {
		e.state.ResourceMetadata = rmd
		selected, err := selectAuthorizationServer(rmd, e.cfg.PreferredAuthServer)
		if err != nil {
			return err
		}
		issuer = selected
	}

	smd, err := e.strategy.DiscoverServerMetadata(ctx, issuer)
	if err != nil {
		return err
	}
	if err := validatePKCESupport(smd); err != nil {
		return err
	}
	if err := e.store.SetServerMetadata(e.cfg.ServerURL, smd); err != nil {
		return fmt.Errorf("failed to persist server metadata: %w", err)
	}

	e.state.ServerMetadata = smd
	e.state.Resource = resource
	return nil
}

func (e *Engine) execClientRegistration(ctx context.Context) error {
	e.state.Scopes = selectScopes(e.cfg.Scopes, e.challenge, e.state.ResourceMetadata, e.state.ServerMetadata)

	// Static registration wins when configured.
	if e.cfg.ClientID != "" {
		client := &ClientRegistration{
			ClientID:     e.cfg.ClientID,
			ClientSecret: e.cfg.ClientSecret,
			RedirectURIs: []string{e.cfg.RedirectURL},
		}
		if err := e.store.SetRegistration(e.cfg.ServerURL, RegistrationStatic, client); err != nil {
			return fmt.Errorf("failed to persist static registration: %w", err)
		}
		e.state.Client = client
		return nil
	}

	// Reuse a previously persisted dynamic registration.
	if stored, err := e.store.GetRegistration(e.cfg.ServerURL, RegistrationDynamic); err == nil {
		e.logger.InfoVerbose("Reusing stored client registration: %s", stored.ClientID)
		e.state.Client = stored
		return nil
	}

	client, err := e.strategy.RegisterClient(ctx, e.state.ServerMetadata.RegistrationEndpoint, &RegistrationRequest{
		ClientName:              "mcp-conduit",
		RedirectURIs:            []string{e.cfg.RedirectURL},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   strings.Join(e.state.Scopes, " "),
		TokenEndpointAuthMethod: "none",
	})
	if err != nil {
		return err
	}
	if len(client.RedirectURIs) == 0 {
		client.RedirectURIs = []string{e.cfg.RedirectURL}
	}
	if err := e.store.SetRegistration(e.cfg.ServerURL, RegistrationDynamic, client); err != nil {
		return fmt.Errorf("failed to persist registration: %w", err)
	}
	e.state.Client = client
	return nil
}

func (e *Engine) execAuthorizationRedirect() error {
	pkce, err := generatePKCE()
	if err != nil {
		return err
	}
	// The verifier outlives this step: it is consumed exactly once by
	// the token exchange.
	if err := e.store.SetCodeVerifier(e.cfg.ServerURL, pkce.Verifier); err != nil {
		return fmt.Errorf("failed to persist code verifier: %w", err)
	}

	e.replayState = uuid.NewString()

	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {e.state.Client.ClientID},
		"redirect_uri":          {e.cfg.RedirectURL},
		"state":                 {e.replayState},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {pkce.Method},
	}
	if len(e.state.Scopes) > 0 {
		query.Set("scope", strings.Join(e.state.Scopes, " "))
	}
	if e.state.Resource != "" {
		query.Set("resource", e.state.Resource)
	}

	authURL, err := url.Parse(e.state.ServerMetadata.AuthorizationEndpoint)
	if err != nil {
		return fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	existing := authURL.Query()
	for key, values := range query {
		existing[key] = values
	}
	authURL.RawQuery = existing.Encode()

	e.state.AuthorizationURL = authURL.String()
	return nil
}

func (e *Engine) execAuthorizationCode() error {
	code := strings.TrimSpace(e.pendingCode)
	if code == "" {
		return &ValidationError{Field: "authorization code", Message: "must not be empty"}
	}
	e.state.AuthorizationCode = code
	e.pendingCode = ""
	return nil
}

// ExpectedState returns the anti-replay state value the authorization
// redirect was built with, for callback verification.
func (e *Engine) ExpectedState() string {
	return e.replayState
}

func (e *Engine) execTokenRequest(ctx context.Context) error {
	verifier, err := e.store.GetCodeVerifier(e.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("no code verifier persisted for this attempt: %w", err)
	}

	tokens, err := e.strategy.ExchangeToken(ctx, e.state.ServerMetadata.TokenEndpoint, &TokenExchange{
		Code:        e.state.AuthorizationCode,
		Verifier:    verifier,
		RedirectURI: e.cfg.RedirectURL,
		Resource:    e.state.Resource,
		Client:      e.state.Client,
	})
	if err != nil {
		return err
	}

	// The verifier is spent now.
	if err := e.store.SetCodeVerifier(e.cfg.ServerURL, ""); err != nil {
		e.logger.WarningVerbose("Failed to clear spent code verifier: %v", err)
	}
	if err := e.store.SetTokens(e.cfg.ServerURL, tokens); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}
	e.state.Tokens = tokens
	return nil
}

// execValidate probes the protected endpoint with the freshly obtained
// access token to confirm it is honored before declaring completion.
func (e *Engine) execValidate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create validation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.state.Tokens.AccessToken)

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("token validation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("token rejected by resource with status %d", resp.StatusCode)
	}
	return nil
}

// Refresh replaces the stored token set using the stored refresh token.
// It is a side operation: it does not participate in the step sequence
// and may be called whenever a refresh token and token endpoint are
// known.
func (e *Engine) Refresh(ctx context.Context) (*TokenSet, error) {
	stored, err := e.store.GetTokens(e.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("no stored tokens to refresh: %w", err)
	}
	if stored.RefreshToken == "" {
		return nil, fmt.Errorf("stored token set has no refresh token")
	}

	smd := e.state.ServerMetadata
	if smd == nil {
		smd, err = e.store.GetServerMetadata(e.cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("no known token endpoint: %w", err)
		}
	}

	client := e.state.Client
	if client == nil {
		client = e.storedClient()
	}
	if client == nil {
		return nil, fmt.Errorf("no client registration available for refresh")
	}

	resource := e.state.Resource
	if resource == "" {
		if resource, err = CanonicalResource(e.cfg.ServerURL); err != nil {
			resource = ""
		}
	}

	tokens, err := e.strategy.RefreshToken(ctx, smd.TokenEndpoint, &TokenRefresh{
		RefreshToken: stored.RefreshToken,
		Resource:     resource,
		Client:       client,
	})
	if err != nil {
		return nil, err
	}

	// Some servers rotate refresh tokens, others omit them on refresh.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = stored.RefreshToken
	}
	if err := e.store.SetTokens(e.cfg.ServerURL, tokens); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	e.state.Tokens = tokens
	return tokens, nil
}

// Tokens returns the stored token set for the configured server, or
// ErrNotFound.
func (e *Engine) Tokens() (*TokenSet, error) {
	return e.store.GetTokens(e.cfg.ServerURL)
}

func (e *Engine) storedClient() *ClientRegistration {
	if client, err := e.store.GetRegistration(e.cfg.ServerURL, RegistrationStatic); err == nil {
		return client
	}
	if client, err := e.store.GetRegistration(e.cfg.ServerURL, RegistrationDynamic); err == nil {
		return client
	}
	return nil
}

// serverOrigin reduces a URL to its scheme://host origin.
func serverOrigin(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return raw
	}
	return parsed.Scheme + "://" + parsed.Host
}
