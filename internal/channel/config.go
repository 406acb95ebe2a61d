package channel

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/giantswarm/mcp-conduit/internal/jsonrpc"
)

// HTTP header and content type constants for the streamable HTTP wire
// protocol.
const (
	headerSessionID   = "Mcp-Session-Id"
	headerLastEventID = "Last-Event-ID"

	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"
)

// Default timing parameters. Read and idle timeouts are independently
// fatal to the stream they guard.
const (
	// defaultReadTimeout bounds the gap between successive reads on a
	// stream (stall detection).
	defaultReadTimeout = 30 * time.Second

	// defaultIdleTimeout bounds the gap between complete events on a
	// stream (idle ceiling).
	defaultIdleTimeout = 60 * time.Second

	// defaultKeepAliveInterval is how often the no-op notification is
	// sent once a session is established.
	defaultKeepAliveInterval = 30 * time.Second

	// Reconnect schedule for the long-lived listener.
	reconnectBaseDelay  = 1 * time.Second
	reconnectMaxDelay   = 30 * time.Second
	reconnectMultiplier = 1.5
	reconnectJitter     = 0.3

	// maxSessionRetries bounds the automatic resend after the server
	// reports the session gone. Kept explicit rather than relying on the
	// cleared session id to stop the recursion.
	maxSessionRetries = 1
)

// MessageHandler receives inbound traffic and asynchronous failures from
// a channel. Calls arrive from the channel's reader goroutines; handlers
// must not block.
type MessageHandler interface {
	// OnMessage is invoked for every inbound message that is not a
	// terminal response to a tracked request: server requests,
	// notifications, and responses nobody is waiting for.
	OnMessage(msg *jsonrpc.Message)

	// OnError is invoked for asynchronous transport failures (stream
	// errors, keep-alive failures). The triggering call, when there is
	// one, fails with the same error.
	OnError(err error)
}

// Config holds the settings for one transport channel.
type Config struct {
	// Endpoint is the single service endpoint all calls go to.
	Endpoint string

	// HTTPClient is used for every call. Defaults to a client without a
	// global timeout; stream lifetimes are governed by the channel's own
	// watchdogs.
	HTTPClient *http.Client

	// Handler receives inbound messages and asynchronous errors.
	Handler MessageHandler

	// Logger receives channel diagnostics. May be nil.
	Logger Logger

	// KeepAliveInterval is the period of the no-op notification sent
	// after session establishment. Zero selects the default; a negative
	// value disables keep-alive.
	KeepAliveInterval time.Duration

	// ReadTimeout is the per-chunk stall timeout. Zero selects the default.
	ReadTimeout time.Duration

	// IdleTimeout is the overall stream idle ceiling. Zero selects the default.
	IdleTimeout time.Duration
}

// Logger is the subset of the logging API the channel needs. Satisfied by
// *logging.Logger; kept as an interface so tests can run silently.
type Logger interface {
	Info(format string, args ...interface{})
	Warning(format string, args ...interface{})
	Error(format string, args ...interface{})
	Debug(format string, args ...interface{})
	InfoVerbose(format string, args ...interface{})
	WarningVerbose(format string, args ...interface{})
}

// WithDefaults returns a copy of the config with zero values replaced by
// defaults.
func (c *Config) WithDefaults() *Config {
	out := *c
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{}
	}
	if out.KeepAliveInterval == 0 {
		out.KeepAliveInterval = defaultKeepAliveInterval
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = defaultReadTimeout
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = defaultIdleTimeout
	}
	return &out
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	parsed, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("endpoint must use http or https scheme, got: %s", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("endpoint URL missing host")
	}
	return nil
}
