package authflow

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotFound is the explicit absent marker returned by credential store
// lookups when nothing is stored for the requested key.
var ErrNotFound = errors.New("no stored value")

// RegistrationKind distinguishes pre-configured client registrations
// from ones acquired through dynamic registration.
type RegistrationKind string

const (
	RegistrationStatic  RegistrationKind = "static"
	RegistrationDynamic RegistrationKind = "dynamic"
)

// TokenSet is the credential material obtained from a token endpoint.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// ObtainedAt anchors ExpiresIn to wall-clock time. Set when the
	// token response is received.
	ObtainedAt time.Time `json:"-"`
}

// Token converts the set to an oauth2 token for use with standard
// transports.
func (t *TokenSet) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresIn > 0 {
		anchor := t.ObtainedAt
		if anchor.IsZero() {
			anchor = time.Now()
		}
		tok.Expiry = anchor.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return tok
}

// ClientRegistration identifies this client to an authorization server.
type ClientRegistration struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
}

// CredentialStore persists per-server authorization material: client
// registrations, token sets, the PKCE verifier of an in-flight attempt,
// and discovered authorization server metadata. All operations are keyed
// by server URL and guarantee at most one stored value per (kind,
// server), last write wins. Lookups return ErrNotFound when nothing is
// stored; they never fail just because a key is absent.
type CredentialStore interface {
	GetRegistration(server string, kind RegistrationKind) (*ClientRegistration, error)
	SetRegistration(server string, kind RegistrationKind, reg *ClientRegistration) error
	ClearRegistration(server string, kind RegistrationKind) error

	GetTokens(server string) (*TokenSet, error)
	SetTokens(server string, tokens *TokenSet) error
	ClearTokens(server string) error

	GetCodeVerifier(server string) (string, error)
	SetCodeVerifier(server string, verifier string) error

	GetServerMetadata(server string) (*AuthorizationServerMetadata, error)
	SetServerMetadata(server string, metadata *AuthorizationServerMetadata) error
}

// MemoryStore is an in-process CredentialStore. Useful as the default
// backing for short-lived sessions and in tests.
type MemoryStore struct {
	mu            sync.Mutex
	registrations map[string]*ClientRegistration
	tokens        map[string]*TokenSet
	verifiers     map[string]string
	metadata      map[string]*AuthorizationServerMetadata
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registrations: make(map[string]*ClientRegistration),
		tokens:        make(map[string]*TokenSet),
		verifiers:     make(map[string]string),
		metadata:      make(map[string]*AuthorizationServerMetadata),
	}
}

func registrationKey(server string, kind RegistrationKind) string {
	return string(kind) + "\x00" + server
}

func (s *MemoryStore) GetRegistration(server string, kind RegistrationKind) (*ClientRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[registrationKey(server, kind)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *reg
	return &cp, nil
}

func (s *MemoryStore) SetRegistration(server string, kind RegistrationKind, reg *ClientRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *reg
	s.registrations[registrationKey(server, kind)] = &cp
	return nil
}

func (s *MemoryStore) ClearRegistration(server string, kind RegistrationKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registrations, registrationKey(server, kind))
	return nil
}

func (s *MemoryStore) GetTokens(server string) (*TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, ok := s.tokens[server]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tokens
	return &cp, nil
}

func (s *MemoryStore) SetTokens(server string, tokens *TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tokens
	s.tokens[server] = &cp
	return nil
}

func (s *MemoryStore) ClearTokens(server string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, server)
	return nil
}

func (s *MemoryStore) GetCodeVerifier(server string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	verifier, ok := s.verifiers[server]
	if !ok {
		return "", ErrNotFound
	}
	return verifier, nil
}

func (s *MemoryStore) SetCodeVerifier(server string, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if verifier == "" {
		delete(s.verifiers, server)
		return nil
	}
	s.verifiers[server] = verifier
	return nil
}

func (s *MemoryStore) GetServerMetadata(server string) (*AuthorizationServerMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.metadata[server]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *md
	return &cp, nil
}

func (s *MemoryStore) SetServerMetadata(server string, metadata *AuthorizationServerMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *metadata
	s.metadata[server] = &cp
	return nil
}
