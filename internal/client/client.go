// Package client composes the transport channel, the authorization
// workflow, and the credential store into one connection facade.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/mcp-conduit/internal/authflow"
	"github.com/giantswarm/mcp-conduit/internal/channel"
	"github.com/giantswarm/mcp-conduit/internal/jsonrpc"
	"github.com/giantswarm/mcp-conduit/internal/logging"
)

// Config holds the settings for one connection.
type Config struct {
	// Endpoint is the streamable HTTP endpoint of the server.
	Endpoint string

	// Auth enables the authorization workflow when set.
	Auth *authflow.Config

	// Logger receives diagnostics. May be nil.
	Logger *logging.Logger

	// Version is reported in the protocol handshake.
	Version string

	// OnMessage receives server requests and notifications.
	OnMessage func(msg *jsonrpc.Message)

	// OnError receives asynchronous transport failures.
	OnError func(err error)

	// OnStepChange is invoked after every authorization step advance.
	OnStepChange func(step authflow.Step)

	// CodePrompt, when set, replaces the browser hand-off: it receives
	// the authorization URL and returns the code out of band.
	CodePrompt func(authURL string) (string, error)

	// RequestTimeout bounds each correlated call. Zero selects the default.
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 30 * time.Second

// Client is the connection facade callers interact with.
type Client struct {
	cfg    *Config
	logger *logging.Logger

	mu           sync.Mutex
	channel      *channel.Channel
	engine       *authflow.Engine
	serverInfo   *mcp.Implementation
	capabilities *mcp.ServerCapabilities

	nextID atomic.Int64

	group     *errgroup.Group
	cancelAll context.CancelFunc
}

// New creates a client for the given configuration. No network activity
// happens until Connect or Authenticate.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Auth != nil {
		if cfg.Auth.ServerURL == "" {
			cfg.Auth.ServerURL = cfg.Endpoint
		}
		// The store is shared between the authorization engine and the
		// transport, so tokens obtained by Authenticate are visible to
		// the next Connect.
		if cfg.Auth.Store == nil {
			cfg.Auth.Store = authflow.NewMemoryStore()
		}
		if cfg.Auth.Logger == nil {
			cfg.Auth.Logger = cfg.Logger
		}
	}
	return &Client{
		cfg:    &cfg,
		logger: cfg.Logger,
	}, nil
}

// channelEvents adapts the channel's handler interface to the client's
// hooks.
type channelEvents struct {
	c *Client
}

func (e *channelEvents) OnMessage(msg *jsonrpc.Message) {
	if e.c.cfg.OnMessage != nil {
		e.c.cfg.OnMessage(msg)
	}
}

func (e *channelEvents) OnError(err error) {
	e.c.logger.WarningVerbose("Transport error: %v", err)
	if e.c.cfg.OnError != nil {
		e.c.cfg.OnError(err)
	}
}

// Connect opens the transport channel, performs the protocol handshake,
// and starts the long-lived listener. Stored tokens, when present, are
// attached to every call.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.channel != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	ch, err := channel.New(channel.Config{
		Endpoint:   c.cfg.Endpoint,
		HTTPClient: c.httpClient(ctx),
		Handler:    &channelEvents{c},
		Logger:     c.logger,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		_ = ch.Close()
		c.mu.Lock()
		c.channel = nil
		c.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	c.mu.Lock()
	c.group = group
	c.cancelAll = cancel
	c.mu.Unlock()

	group.Go(func() error {
		return c.runListener(groupCtx, ch)
	})

	c.logger.Success("Connected to %s", c.cfg.Endpoint)
	return nil
}

// runListener keeps the push stream alive for the lifetime of the
// connection. Listen returns when the session expires on the listener
// side; the stream is then re-established once a fresh session is
// adopted (signaled through the channel's wake signal, fed by outbound
// calls and keep-alive failures) or after a fallback delay.
func (c *Client) runListener(ctx context.Context, ch *channel.Channel) error {
	delay := time.Second
	for {
		err := ch.Listen(ctx)
		if err == nil || err == channel.ErrPushUnsupported || err == channel.ErrClosed {
			return nil
		}
		var expired *channel.SessionExpiredError
		if !errors.As(err, &expired) {
			return err
		}
		c.logger.WarningVerbose("Listener session expired, re-establishing: %v", err)

		select {
		case <-ctx.Done():
			return nil
		case <-ch.ListenWake():
			delay = time.Second
		case <-time.After(delay):
			if delay < 30*time.Second {
				delay *= 2
			}
		}
	}
}

// httpClient builds the HTTP client used by the channel, attaching the
// stored access token when the workflow has produced one.
func (c *Client) httpClient(ctx context.Context) *http.Client {
	if c.cfg.Auth == nil || c.cfg.Auth.Store == nil {
		return nil
	}
	tokens, err := c.cfg.Auth.Store.GetTokens(c.cfg.Auth.ServerURL)
	if err != nil {
		return nil
	}
	c.logger.InfoVerbose("Using stored access token for transport")
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(tokens.Token()))
}

// initialize performs the protocol handshake and announces readiness.
func (c *Client) initialize(ctx context.Context) error {
	params := struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		Capabilities    mcp.ClientCapabilities `json:"capabilities"`
		ClientInfo      mcp.Implementation     `json:"clientInfo"`
	}{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    "mcp-conduit",
			Version: c.cfg.Version,
		},
	}

	c.logger.Request(string(mcp.MethodInitialize), params)
	raw, err := c.Call(ctx, string(mcp.MethodInitialize), params)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode initialize result: %w", err)
	}
	c.logger.Response(string(mcp.MethodInitialize), result)

	c.mu.Lock()
	c.serverInfo = &result.ServerInfo
	c.capabilities = &result.Capabilities
	c.mu.Unlock()

	return c.Notify(ctx, "notifications/initialized", nil)
}

// Call sends one correlated request and waits for its terminal result.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	ch := c.currentChannel()
	if ch == nil {
		return nil, fmt.Errorf("not connected")
	}

	id := jsonrpc.NewRequestID(c.nextID.Add(1))
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	done, err := ch.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-done:
		if !ok {
			return nil, fmt.Errorf("request %s failed: connection lost", method)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		ch.Abandon(id)
		return nil, fmt.Errorf("request %s timed out: %w", method, ctx.Err())
	}
}

// Notify sends one notification.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	ch := c.currentChannel()
	if ch == nil {
		return fmt.Errorf("not connected")
	}
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return ch.SendNotification(ctx, note)
}

// Authenticate drives the authorization workflow to completion: step by
// step through discovery, registration, the redirect hand-off, the code
// exchange, and token persistence. The resulting tokens are used by the
// next Connect.
func (c *Client) Authenticate(ctx context.Context) error {
	engine, err := c.authEngine()
	if err != nil {
		return err
	}

	for engine.Step() != authflow.StepComplete {
		switch engine.Step() {
		case authflow.StepAuthorizationCode:
			code, err := c.obtainAuthorizationCode(ctx, engine)
			if err != nil {
				return err
			}
			engine.ProvideAuthorizationCode(code)
		}

		if err := engine.Execute(ctx); err != nil {
			return err
		}
		if c.cfg.OnStepChange != nil {
			c.cfg.OnStepChange(engine.Step())
		}
	}

	c.logger.Success("Authorization complete")
	return nil
}

// AuthorizationState returns a snapshot of the workflow state, or a
// zero state when authentication has not started.
func (c *Client) AuthorizationState() authflow.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return authflow.State{}
	}
	return c.engine.State()
}

// ProvideAuthorizationCode hands the workflow an out-of-band code.
func (c *Client) ProvideAuthorizationCode(code string) error {
	engine, err := c.authEngine()
	if err != nil {
		return err
	}
	engine.ProvideAuthorizationCode(code)
	return nil
}

// RefreshTokens replaces the stored token set using the stored refresh
// token.
func (c *Client) RefreshTokens(ctx context.Context) (*authflow.TokenSet, error) {
	engine, err := c.authEngine()
	if err != nil {
		return nil, err
	}
	return engine.Refresh(ctx)
}

func (c *Client) authEngine() (*authflow.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine != nil {
		return c.engine, nil
	}
	if c.cfg.Auth == nil {
		return nil, fmt.Errorf("authorization is not configured")
	}
	engine, err := authflow.NewEngine(*c.cfg.Auth)
	if err != nil {
		return nil, err
	}
	c.engine = engine
	return engine, nil
}

// ServerInfo returns the implementation the server reported during the
// handshake, or nil before Connect.
func (c *Client) ServerInfo() *mcp.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerSupportsTools reports whether the server advertised the tools
// capability.
func (c *Client) ServerSupportsTools() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities != nil && c.capabilities.Tools != nil
}

// SessionID returns the transport session identifier, or "".
func (c *Client) SessionID() string {
	if ch := c.currentChannel(); ch != nil {
		return ch.SessionID()
	}
	return ""
}

func (c *Client) currentChannel() *channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	cancel := c.cancelAll
	group := c.group
	c.cancelAll = nil
	c.group = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ch != nil {
		err = ch.Close()
	}
	if group != nil {
		if werr := group.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}
