package authflow

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

const (
	fixtureClientID     = "dummy_client_12345"
	fixtureClientSecret = "dummy_secret_67890"
	fixtureScopes       = "read write admin"
	fixtureProxyToken   = "proxy-bearer-token"
)

func fixtureTokenJSON() string {
	return `{"access_token":"tok-1","token_type":"Bearer","refresh_token":"ref-1","expires_in":3600,"scope":"` + fixtureScopes + `"}`
}

func fixtureRefreshedTokenJSON() string {
	return `{"access_token":"tok-2","token_type":"Bearer","refresh_token":"ref-2","expires_in":3600,"scope":"` + fixtureScopes + `"}`
}

// mockAuthServer serves one origin acting as both the protected resource
// and its authorization server, with canned discovery, registration and
// token fixtures.
type mockAuthServer struct {
	*httptest.Server
	t *testing.T

	mu            sync.Mutex
	registrations []RegistrationRequest
	tokenForms    []url.Values

	// Overridable token endpoint behavior.
	tokenStatus int
	tokenBody   string
}

func newMockAuthServer(t *testing.T) *mockAuthServer {
	t.Helper()
	m := &mockAuthServer{
		t:           t,
		tokenStatus: http.StatusOK,
		tokenBody:   fixtureTokenJSON(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.resourceMetadataJSON())
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.serverMetadataJSON())
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var reg RegistrationRequest
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.registrations = append(m.registrations, reg)
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(m.registrationJSON()))
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.tokenForms = append(m.tokenForms, r.PostForm)
		status, body := m.tokenStatus, m.tokenBody
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})

	m.Server = httptest.NewServer(mux)
	return m
}

// Endpoint is the protected MCP endpoint on this origin.
func (m *mockAuthServer) Endpoint() string {
	return m.URL + "/mcp"
}

func (m *mockAuthServer) setTokenResponse(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenStatus = status
	m.tokenBody = body
}

func (m *mockAuthServer) lastRegistration() *RegistrationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.registrations) == 0 {
		return nil
	}
	reg := m.registrations[len(m.registrations)-1]
	return &reg
}

func (m *mockAuthServer) lastTokenForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tokenForms) == 0 {
		return nil
	}
	return m.tokenForms[len(m.tokenForms)-1]
}

func (m *mockAuthServer) resourceMetadataJSON() string {
	return fmt.Sprintf(`{
		"resource": %q,
		"authorization_servers": [%q],
		"scopes_supported": ["read", "write", "admin"]
	}`, m.Endpoint(), m.URL)
}

func (m *mockAuthServer) serverMetadataJSON() string {
	return fmt.Sprintf(`{
		"issuer": %q,
		"authorization_endpoint": %q,
		"token_endpoint": %q,
		"registration_endpoint": %q,
		"code_challenge_methods_supported": ["S256", "plain"],
		"scopes_supported": ["read", "write", "admin"],
		"token_endpoint_auth_methods_supported": ["client_secret_basic", "none"]
	}`, m.URL, m.URL+"/authorize", m.URL+"/token", m.URL+"/register")
}

func (m *mockAuthServer) registrationJSON() string {
	return fmt.Sprintf(`{"client_id":%q,"client_secret":%q,"redirect_uris":["http://localhost:8765/callback"]}`,
		fixtureClientID, fixtureClientSecret)
}

// mockProxy relays the four fixed authorization paths against the same
// canned fixtures as mockAuthServer, enforcing the intermediary bearer
// credential.
type mockProxy struct {
	*httptest.Server
	t        *testing.T
	upstream *mockAuthServer

	mu        sync.Mutex
	envelopes map[string][]proxyEnvelope

	tokenStatus int
	tokenBody   string
}

func newMockProxy(t *testing.T, upstream *mockAuthServer) *mockProxy {
	t.Helper()
	m := &mockProxy{
		t:           t,
		upstream:    upstream,
		envelopes:   make(map[string][]proxyEnvelope),
		tokenStatus: http.StatusOK,
		tokenBody:   fixtureTokenJSON(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(proxyPathResourceMetadata, m.handle(func() (int, string) {
		return http.StatusOK, upstream.resourceMetadataJSON()
	}))
	mux.HandleFunc(proxyPathMetadata, m.handle(func() (int, string) {
		return http.StatusOK, upstream.serverMetadataJSON()
	}))
	mux.HandleFunc(proxyPathRegister, m.handle(func() (int, string) {
		return http.StatusCreated, upstream.registrationJSON()
	}))
	mux.HandleFunc(proxyPathToken, m.handle(func() (int, string) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.tokenStatus, m.tokenBody
	}))

	m.Server = httptest.NewServer(mux)
	return m
}

func (m *mockProxy) handle(respond func() (int, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+fixtureProxyToken {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_proxy_credential"}`))
			return
		}
		var envelope proxyEnvelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil || envelope.Endpoint == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.envelopes[r.URL.Path] = append(m.envelopes[r.URL.Path], envelope)
		m.mu.Unlock()

		status, body := respond()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (m *mockProxy) setTokenResponse(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenStatus = status
	m.tokenBody = body
}

func (m *mockProxy) envelopesFor(path string) []proxyEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]proxyEnvelope(nil), m.envelopes[path]...)
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
