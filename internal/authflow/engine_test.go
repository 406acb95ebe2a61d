package authflow

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return engine
}

// runToStep executes steps until the engine reaches the target,
// providing the given code when the workflow asks for one.
func runToStep(t *testing.T, engine *Engine, target Step, code string) {
	t.Helper()
	for engine.Step() != target {
		if engine.Step() == StepAuthorizationCode {
			engine.ProvideAuthorizationCode(code)
		}
		require.NoError(t, engine.Execute(context.Background()), "step %s", engine.Step())
	}
}

func TestEngineFullDirectFlow(t *testing.T) {
	as := newMockAuthServer(t)
	defer as.Close()

	engine := newTestEngine(t, Config{ServerURL: as.Endpoint()})
	ctx := context.Background()

	require.Equal(t, StepMetadataDiscovery, engine.Step())

	// metadata_discovery
	require.NoError(t, engine.Execute(ctx))
	state := engine.State()
	require.Equal(t, StepClientRegistration, state.Step)
	require.NotNil(t, state.ResourceMetadata)
	require.NotNil(t, state.ServerMetadata)
	assert.Equal(t, as.URL+"/token", state.ServerMetadata.TokenEndpoint)
	assert.Equal(t, as.Endpoint(), state.Resource)

	// client_registration (dynamic, no static client configured)
	require.NoError(t, engine.Execute(ctx))
	state = engine.State()
	require.Equal(t, StepAuthorizationRedirect, state.Step)
	require.NotNil(t, state.Client)
	assert.Equal(t, fixtureClientID, state.Client.ClientID)
	assert.Equal(t, []string{"read", "write", "admin"}, state.Scopes)

	// authorization_redirect
	require.NoError(t, engine.Execute(ctx))
	state = engine.State()
	require.Equal(t, StepAuthorizationCode, state.Step)
	authURL, err := url.Parse(state.AuthorizationURL)
	require.NoError(t, err)
	query := authURL.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, fixtureClientID, query.Get("client_id"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.Len(t, query.Get("code_challenge"), 43)
	assert.Equal(t, "read write admin", query.Get("scope"))
	assert.Equal(t, as.Endpoint(), query.Get("resource"))
	assert.Equal(t, engine.ExpectedState(), query.Get("state"))
	assert.NotEmpty(t, query.Get("state"))

	// authorization_code
	engine.ProvideAuthorizationCode("test-auth-code")
	require.NoError(t, engine.Execute(ctx))
	require.Equal(t, StepTokenRequest, engine.Step())

	// token_request
	require.NoError(t, engine.Execute(ctx))
	state = engine.State()
	require.Equal(t, StepComplete, state.Step)
	require.NotNil(t, state.Tokens)
	assert.Equal(t, "tok-1", state.Tokens.AccessToken)
	assert.Equal(t, "ref-1", state.Tokens.RefreshToken)

	// The exchange carried code, verifier and resource indicator.
	form := as.lastTokenForm()
	require.NotNil(t, form)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "test-auth-code", form.Get("code"))
	assert.NotEmpty(t, form.Get("code_verifier"))
	assert.Equal(t, as.Endpoint(), form.Get("resource"))

	// The verifier is spent after the exchange.
	_, err = engine.store.GetCodeVerifier(as.Endpoint())
	assert.ErrorIs(t, err, ErrNotFound)

	// Tokens were persisted.
	stored, err := engine.Tokens()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", stored.AccessToken)
}

func TestEngineCannotTransitionFromComplete(t *testing.T) {
	as := newMockAuthServer(t)
	defer as.Close()

	engine := newTestEngine(t, Config{ServerURL: as.Endpoint()})
	runToStep(t, engine, StepComplete, "test-auth-code")

	before := engine.State()
	err := engine.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot transition from step complete")
	assert.Equal(t, before, engine.State())
}

func TestEngineEmptyAuthorizationCode(t *testing.T) {
	as := newMockAuthServer(t)
	defer as.Close()

	engine := newTestEngine(t, Config{ServerURL: as.Endpoint()})
	runToStep(t, engine, StepAuthorizationCode, "")

	engine.ProvideAuthorizationCode("")
	err := engine.Execute(context.Background())
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	state := engine.State()
	assert.Equal(t, StepAuthorizationCode, state.Step, "step must not advance")
	assert.NotEmpty(t, state.ValidationError)
	assert.NotNil(t, state.Client, "prior progress must be preserved")

	// Correcting the input clears the validation error and advances.
	engine.ProvideAuthorizationCode("corrected-code")
	require.NoError(t, engine.Execute(context.Background()))
	state = engine.State()
	assert.Equal(t, StepTokenRequest, state.Step)
	assert.Empty(t, state.ValidationError)
}

func TestEngineStepFailureIsRetryable(t *testing.T) {
	as := newMockAuthServer(t)
	defer as.Close()

	engine := newTestEngine(t, Config{ServerURL: as.Endpoint()})
	runToStep(t, engine, StepTokenRequest, "test-auth-code")

	as.setTokenResponse(400, `{"error":"invalid_request"}`)
	err := engine.Execute(context.Background())
	require.Error(t, err)

	var stepErr *OAuthStepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepTokenRequest, stepErr.Step)

	state := engine.State()
	assert.Equal(t, StepTokenRequest, state.Step, "failed step must not advance")
	assert.Equal(t, stepErr, state.LatestError)

	// The same step succeeds on retry once the server recovers.
	as.setTokenResponse(200, fixtureTokenJSON())
	require.NoError(t, engine.Execute(context.Background()))
	state = engine.State()
	assert.Equal(t, StepComplete, state.Step)
	assert.Nil(t, state.LatestError)
}

func TestEngineScopePrecedence(t *testing.T) {
	t.Run("resource metadata scopes when caller supplies none", func(t *testing.T) {
		as := newMockAuthServer(t)
		defer as.Close()

		engine := newTestEngine(t, Config{ServerURL: as.Endpoint()})
		runToStep(t, engine, StepAuthorizationRedirect, "")

		reg := as.lastRegistration()
		require.NotNil(t, reg)
		assert.Equal(t, "read write admin", reg.Scope)
	})

	t.Run("caller scopes win", func(t *testing.T) {
		as := newMockAuthServer(t)
		defer as.Close()

		engine := newTestEngine(t, Config{
			ServerURL: as.Endpoint(),
			Scopes:    []string{"custom:scope"},
		})
		runToStep(t, engine, StepAuthorizationRedirect, "")

		reg := as.lastRegistration()
		require.NotNil(t, reg)
		assert.Equal(t, "custom:scope", reg.Scope)
	})
}

func TestEngineStaticClientSkipsRegistration(t *testing.T) {
	as := newMockAuthServer(t)
	defer as.Close()

	engine := newTestEngine(t, Config{
		ServerURL:    as.Endpoint(),
		ClientID:     "static-client",
		ClientSecret: "static-secret",
	})
	runToStep(t, engine, StepAuthorizationRedirect, "")

	state := engine.State()
	assert.Equal(t, "static-client", state.Client.ClientID)
	assert.Nil(t, as.lastRegistration(), "no dynamic registration call expected")

	stored, err := engine.store.GetRegistration(as.Endpoint(), RegistrationStatic)
	require.NoError(t, err)
	assert.Equal(t, "static-client", stored.ClientID)
}

func TestEngineReusesStoredRegistration(t *testing.T) {
	as := newMockAuthServer(t)
	defer as.Close()

	store := NewMemoryStore()
	require.NoError(t, store.SetRegistration(as.Endpoint(), RegistrationDynamic, &ClientRegistration{
		ClientID: "previously-registered",
	}))

	engine := newTestEngine(t, Config{ServerURL: as.Endpoint(), Store: store})
	runToStep(t, engine, StepAuthorizationRedirect, "")

	assert.Equal(t, "previously-registered", engine.State().Client.ClientID)
	assert.Nil(t, as.lastRegistration())
}

func TestEngineDiscoveryFallbackToOrigin(t *testing.T) {
	// A server without a protected-resource document still authorizes:
	// its own origin is treated as the authorization server.
	as := newMockAuthServer(t)
	defer as.Close()

	// Endpoint path that matches no resource-metadata route.
	engine := newTestEngine(t, Config{ServerURL: as.URL + "/other"})
	require.NoError(t, engine.Execute(context.Background()))

	state := engine.State()
	assert.Nil(t, state.ResourceMetadata)
	require.NotNil(t, state.ServerMetadata)
	assert.Equal(t, as.URL, state.ServerMetadata.Issuer)
}

func TestEngineRefreshReplacesTokens(t *testing.T) {
	as := newMockAuthServer(t)
	defer as.Close()

	engine := newTestEngine(t, Config{ServerURL: as.Endpoint()})
	runToStep(t, engine, StepComplete, "test-auth-code")

	as.setTokenResponse(200, fixtureRefreshedTokenJSON())
	tokens, err := engine.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tokens.AccessToken)
	assert.Equal(t, "ref-2", tokens.RefreshToken)

	form := as.lastTokenForm()
	require.NotNil(t, form)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "ref-1", form.Get("refresh_token"))

	stored, err := engine.Tokens()
	require.NoError(t, err)
	assert.Equal(t, "tok-2", stored.AccessToken, "stored tokens replaced in place")
}

func TestEngineRefreshWithoutTokens(t *testing.T) {
	as := newMockAuthServer(t)
	defer as.Close()

	engine := newTestEngine(t, Config{ServerURL: as.Endpoint()})
	_, err := engine.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEngineRestart(t *testing.T) {
	as := newMockAuthServer(t)
	defer as.Close()

	engine := newTestEngine(t, Config{ServerURL: as.Endpoint()})
	runToStep(t, engine, StepAuthorizationCode, "")

	engine.Restart()
	assert.Equal(t, StepMetadataDiscovery, engine.Step())
	assert.Empty(t, engine.ExpectedState())
}

func TestEngineChallengeScopesBeatResourceMetadata(t *testing.T) {
	as := newMockAuthServer(t)
	defer as.Close()

	engine := newTestEngine(t, Config{ServerURL: as.Endpoint()})
	engine.SetChallenge(&WWWAuthenticateChallenge{
		Scheme: "Bearer",
		Scopes: []string{"files:read"},
	})
	runToStep(t, engine, StepAuthorizationRedirect, "")

	reg := as.lastRegistration()
	require.NotNil(t, reg)
	assert.Equal(t, "files:read", reg.Scope)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg:  Config{ServerURL: "https://mcp.example.com/mcp"},
		},
		{
			name:    "missing server URL",
			cfg:     Config{},
			wantErr: "server URL is required",
		},
		{
			name: "http redirect on non-localhost",
			cfg: Config{
				ServerURL:   "https://mcp.example.com/mcp",
				RedirectURL: "http://example.com/callback",
			},
			wantErr: "only allowed for localhost",
		},
		{
			name: "https redirect allowed anywhere",
			cfg: Config{
				ServerURL:   "https://mcp.example.com/mcp",
				RedirectURL: "https://example.com/callback",
			},
		},
		{
			name: "bad proxy scheme",
			cfg: Config{
				ServerURL: "https://mcp.example.com/mcp",
				ProxyURL:  "ftp://proxy.example.com",
			},
			wantErr: "proxy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
