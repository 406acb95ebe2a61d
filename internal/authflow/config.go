package authflow

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/giantswarm/mcp-conduit/internal/logging"
)

// Config holds the settings for one authorization workflow.
type Config struct {
	// ServerURL is the protected endpoint authorization is obtained for.
	ServerURL string

	// ClientID and ClientSecret configure a static, pre-registered
	// client. When ClientID is empty the workflow falls back to a
	// previously stored registration and then to dynamic registration.
	ClientID     string
	ClientSecret string

	// Scopes overrides scope selection. When empty, scopes advertised by
	// the resource or authorization server are used.
	Scopes []string

	// RedirectURL is the callback the authorization server redirects to.
	RedirectURL string

	// PreferredAuthServer pins discovery to one of the authorization
	// servers advertised by the resource.
	PreferredAuthServer string

	// ProxyURL, when set, routes every authorization call through the
	// intermediary at this base URL instead of talking to the
	// authorization server directly. ProxyToken authenticates this
	// client to the intermediary itself.
	ProxyURL   string
	ProxyToken string

	// ValidateTokens enables an authenticated probe of the protected
	// resource after token exchange, before the workflow completes.
	ValidateTokens bool

	// HTTPClient is used for token and registration calls. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Store persists registrations, tokens, the PKCE verifier, and
	// discovered metadata. Defaults to an in-memory store.
	Store CredentialStore

	// Logger receives workflow diagnostics. May be nil.
	Logger *logging.Logger
}

// DefaultRedirectURL is the callback used when none is configured.
const DefaultRedirectURL = "http://localhost:8765/callback"

// WithDefaults returns a copy of the config with zero values replaced.
func (c *Config) WithDefaults() *Config {
	out := *c
	if out.RedirectURL == "" {
		out.RedirectURL = DefaultRedirectURL
	}
	if out.HTTPClient == nil {
		out.HTTPClient = http.DefaultClient
	}
	if out.Store == nil {
		out.Store = NewMemoryStore()
	}
	return &out
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server URL is required")
	}
	if _, err := url.Parse(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	if c.RedirectURL != "" {
		parsed, err := url.Parse(c.RedirectURL)
		if err != nil {
			return fmt.Errorf("invalid redirect URL: %w", err)
		}
		switch parsed.Scheme {
		case "https":
		case "http":
			hostname := parsed.Hostname()
			if hostname != "localhost" && hostname != "127.0.0.1" && hostname != "::1" {
				return fmt.Errorf("http redirect URIs are only allowed for localhost, use https for other hosts")
			}
		default:
			return fmt.Errorf("redirect URI scheme must be http (localhost only) or https, got: %s", parsed.Scheme)
		}
	}

	if c.ProxyURL != "" {
		if err := validateEndpointURL("proxy", c.ProxyURL); err != nil {
			return err
		}
	}
	return nil
}
