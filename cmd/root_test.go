package cmd

import (
	"testing"

	"github.com/giantswarm/mcp-conduit/internal/logging"
)

func TestValidateEndpoint(t *testing.T) {
	orig := endpoint
	defer func() { endpoint = orig }()

	tests := []struct {
		endpoint string
		wantErr  bool
	}{
		{"http://localhost:8090/mcp", false},
		{"https://mcp.example.com/mcp", false},
		{"localhost:8090/mcp", true},
		{"ftp://example.com/mcp", true},
		{"", true},
	}

	for _, tt := range tests {
		endpoint = tt.endpoint
		err := validateEndpoint()
		if tt.wantErr && err == nil {
			t.Errorf("validateEndpoint() with %q: expected error", tt.endpoint)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("validateEndpoint() with %q: unexpected error %v", tt.endpoint, err)
		}
	}
}

func TestBuildAuthConfigDisabled(t *testing.T) {
	orig := oauthEnabled
	defer func() { oauthEnabled = orig }()

	oauthEnabled = false
	logger := logging.NewLogger(false, false, false)
	cfg, err := buildAuthConfig(rootCmd, logger)
	if err != nil {
		t.Fatalf("buildAuthConfig failed: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config when OAuth is disabled")
	}
}

func TestBuildAuthConfigFromFlags(t *testing.T) {
	origEnabled, origEndpoint := oauthEnabled, endpoint
	origClientID, origProxy := oauthClientID, oauthProxyURL
	defer func() {
		oauthEnabled, endpoint = origEnabled, origEndpoint
		oauthClientID, oauthProxyURL = origClientID, origProxy
	}()

	oauthEnabled = true
	endpoint = "https://mcp.example.com/mcp"
	oauthClientID = "static-client"
	oauthProxyURL = "https://proxy.example.com"

	logger := logging.NewLogger(false, false, false)
	cfg, err := buildAuthConfig(rootCmd, logger)
	if err != nil {
		t.Fatalf("buildAuthConfig failed: %v", err)
	}
	if cfg.ServerURL != endpoint {
		t.Errorf("ServerURL = %q, want %q", cfg.ServerURL, endpoint)
	}
	if cfg.ClientID != "static-client" {
		t.Errorf("ClientID = %q, want static-client", cfg.ClientID)
	}
	if cfg.ProxyURL != "https://proxy.example.com" {
		t.Errorf("ProxyURL = %q", cfg.ProxyURL)
	}
}

func TestBuildAuthConfigRejectsBadProxy(t *testing.T) {
	origEnabled, origEndpoint, origProxy := oauthEnabled, endpoint, oauthProxyURL
	defer func() {
		oauthEnabled, endpoint, oauthProxyURL = origEnabled, origEndpoint, origProxy
	}()

	oauthEnabled = true
	endpoint = "https://mcp.example.com/mcp"
	oauthProxyURL = "http://proxy.example.com"

	logger := logging.NewLogger(false, false, false)
	if _, err := buildAuthConfig(rootCmd, logger); err == nil {
		t.Fatal("expected plain-http proxy URL to be rejected")
	}
}
