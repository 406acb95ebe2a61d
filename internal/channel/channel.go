// Package channel implements the streamable HTTP transport for one
// logical connection to an MCP endpoint: outbound POST calls, the
// long-lived inbound event stream with resumption and reconnection,
// session identity, and keep-alive.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/mcp-conduit/internal/jsonrpc"
)

// Channel owns one logical connection to one server endpoint. Multiple
// channels for different servers are fully independent; all per-channel
// ephemeral state lives on the instance.
type Channel struct {
	endpoint          string
	httpClient        *http.Client
	handler           MessageHandler
	logger            Logger
	keepAliveInterval time.Duration
	readTimeout       time.Duration
	idleTimeout       time.Duration

	correlator *jsonrpc.Correlator

	mu               sync.Mutex
	sessionID        string
	lastEventID      string
	established      bool
	closed           bool
	listenerActive   bool
	keepAliveRunning bool
	keepAliveStop    chan struct{}
	streamCancels    map[int]context.CancelFunc
	nextStreamID     int
	reconnectTimer   *time.Timer

	// listenNudge wakes a listener waiting out a reconnect delay, used by
	// the keep-alive path to force an immediate attempt.
	listenNudge chan struct{}
}

// New creates a channel from the given configuration. The channel is idle
// until the first Send or Listen call.
func New(cfg Config) (*Channel, error) {
	full := cfg.WithDefaults()
	if err := full.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel configuration: %w", err)
	}
	if full.Handler == nil {
		return nil, fmt.Errorf("invalid channel configuration: handler is required")
	}

	return &Channel{
		endpoint:          full.Endpoint,
		httpClient:        full.HTTPClient,
		handler:           full.Handler,
		logger:            full.Logger,
		keepAliveInterval: full.KeepAliveInterval,
		readTimeout:       full.ReadTimeout,
		idleTimeout:       full.IdleTimeout,
		correlator:        jsonrpc.NewCorrelator(),
		streamCancels:     make(map[int]context.CancelFunc),
		listenNudge:       make(chan struct{}, 1),
	}, nil
}

// SessionID returns the current session identifier, or "" before the
// session is established or after it was cleared.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastEventID returns the current stream resumption marker.
func (c *Channel) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// Pending returns the number of outstanding tracked requests.
func (c *Channel) Pending() int {
	return c.correlator.Len()
}

// Abandon removes a tracked request whose caller stopped waiting, so the
// pending entry does not outlive the request's deadline. A late terminal
// message for an abandoned id is routed to the handler instead.
func (c *Channel) Abandon(id jsonrpc.RequestID) {
	c.correlator.Drop(id)
}

// SendRequest transmits an id-bearing request and returns the waiter
// channel for its terminal result. A closed waiter channel means the
// request failed without a terminal message (channel closed or the
// carrying stream died); the accompanying error is reported through the
// handler's OnError.
func (c *Channel) SendRequest(ctx context.Context, req *jsonrpc.Message) (<-chan *jsonrpc.Message, error) {
	if req.Kind() != jsonrpc.KindRequest {
		return nil, fmt.Errorf("message is not an id-bearing request")
	}

	done, err := c.correlator.Register(req.ID)
	if err != nil {
		return nil, err
	}

	if err := c.send(ctx, req, []jsonrpc.RequestID{req.ID}); err != nil {
		c.correlator.Drop(req.ID)
		return nil, err
	}
	return done, nil
}

// SendNotification transmits a notification. No response is expected.
func (c *Channel) SendNotification(ctx context.Context, note *jsonrpc.Message) error {
	if note.Kind() != jsonrpc.KindNotification {
		return fmt.Errorf("message is not a notification")
	}
	return c.send(ctx, note, nil)
}

// SendBatch transmits several messages in one call and returns waiter
// channels for the id-bearing ones, in request order.
func (c *Channel) SendBatch(ctx context.Context, msgs []*jsonrpc.Message) ([]<-chan *jsonrpc.Message, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	var waiters []<-chan *jsonrpc.Message
	var ids []jsonrpc.RequestID
	for _, m := range msgs {
		if m.Kind() != jsonrpc.KindRequest {
			continue
		}
		done, err := c.correlator.Register(m.ID)
		if err != nil {
			for _, id := range ids {
				c.correlator.Drop(id)
			}
			return nil, err
		}
		waiters = append(waiters, done)
		ids = append(ids, m.ID)
	}

	if err := c.send(ctx, msgs, ids); err != nil {
		for _, id := range ids {
			c.correlator.Drop(id)
		}
		return nil, err
	}
	return waiters, nil
}

// send issues the outbound POST carrying payload (a single message or a
// batch). On a "not found" response while a session id is set, the
// session is cleared and the call resent exactly once without it.
func (c *Channel) send(ctx context.Context, payload interface{}, scope []jsonrpc.RequestID) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return newTransportError(err, "failed to encode message: %v", err)
	}

	sessionRetries := 0
	var expiredSession string
	for {
		err := c.postOnce(ctx, body, scope)
		if err == nil {
			return nil
		}

		var expired *SessionExpiredError
		if errors.As(err, &expired) && sessionRetries < maxSessionRetries {
			// postOnce already cleared the session; resend without it,
			// bounded by an explicit counter.
			sessionRetries++
			expiredSession = expired.SessionID
			c.logf("session %s not found, resending without session (retry %d/%d)",
				expired.SessionID, sessionRetries, maxSessionRetries)
			continue
		}
		if sessionRetries > 0 {
			return &SessionExpiredError{SessionID: expiredSession, Err: err}
		}
		return err
	}
}

// postOnce performs a single POST exchange and dispatches the response.
func (c *Channel) postOnce(ctx context.Context, body []byte, scope []jsonrpc.RequestID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	session := c.sessionID
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return newTransportError(err, "failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON+", "+contentTypeEventStream)
	if session != "" {
		req.Header.Set(headerSessionID, session)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newTransportError(err, "request failed: %v", err)
	}

	if resp.StatusCode == http.StatusNotFound && session != "" {
		drainAndClose(resp.Body)
		c.clearSession()
		return &SessionExpiredError{SessionID: session}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		drainAndClose(resp.Body)
		return &TransportError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
			Body:    raw,
		}
	}

	if sid := resp.Header.Get(headerSessionID); sid != "" {
		c.adoptSession(sid)
	}

	switch mediaType(resp.Header.Get("Content-Type")) {
	case contentTypeEventStream:
		// Request-scoped stream: parsed in the background, cancelled as
		// soon as every tracked id in scope has been resolved.
		go func() {
			err := c.readStream(context.Background(), resp.Body, scope)
			// Once the stream is gone nothing can resolve its ids; failing
			// an already-resolved id is a no-op.
			c.correlator.Fail(scope)
			if err != nil {
				c.reportError(err)
			}
		}()
		return nil
	case contentTypeJSON:
		defer drainAndClose(resp.Body)
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return newTransportError(err, "failed to read response body: %v", err)
		}
		msgs, err := jsonrpc.Decode(raw)
		if err != nil {
			return newTransportError(err, "failed to decode response: %v", err)
		}
		for _, m := range msgs {
			c.dispatch(m)
		}
		return nil
	default:
		// Terminal empty-body acceptance: nothing to dispatch.
		drainAndClose(resp.Body)
		return nil
	}
}

// dispatch routes one inbound message: terminal messages go to the
// correlator; everything else (and unmatched terminals) to the handler.
func (c *Channel) dispatch(msg *jsonrpc.Message) {
	if msg.IsTerminal() && c.correlator.Resolve(msg) {
		return
	}
	if c.handler != nil {
		c.handler.OnMessage(msg)
	}
}

// adoptSession records a server-assigned session id and starts the
// keep-alive pinger on first establishment.
func (c *Channel) adoptSession(id string) {
	c.mu.Lock()
	fresh := c.sessionID != id
	c.sessionID = id
	c.established = true
	c.mu.Unlock()

	if fresh {
		c.logf("session established: %s", id)
		c.startKeepAlive()
		// A fresh session is the cue to bring the push stream back up.
		c.nudgeListener()
	}
}

// ListenWake returns the signal channel requesting an immediate listener
// (re)establishment attempt. It fires on keep-alive failures and when a
// fresh session is adopted. A running listener drains it to collapse its
// reconnect wait; when no listener is active the owner of the channel
// should select on it and call Listen again.
func (c *Channel) ListenWake() <-chan struct{} {
	return c.listenNudge
}

func (c *Channel) clearSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
}

// Close shuts the channel down. It cancels all active stream readers,
// fails outstanding requests, then best-effort issues a session
// termination call; termination failures are swallowed. Safe to call
// multiple times.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.sessionID
	c.sessionID = ""
	cancels := make([]context.CancelFunc, 0, len(c.streamCancels))
	for _, cancel := range c.streamCancels {
		cancels = append(cancels, cancel)
	}
	c.streamCancels = make(map[int]context.CancelFunc)
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	stop := c.keepAliveStop
	c.keepAliveStop = nil
	c.keepAliveRunning = false
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if stop != nil {
		close(stop)
	}
	c.correlator.FailAll()

	if session != "" {
		c.terminateSession(session)
	}
	return nil
}

// terminateSession issues the best-effort DELETE ending the session.
func (c *Channel) terminateSession(session string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set(headerSessionID, session)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logf("session termination failed (ignored): %v", err)
		return
	}
	drainAndClose(resp.Body)
}

// startKeepAlive begins the periodic no-op notification. A send failure
// nudges the listener into an immediate reconnect attempt.
func (c *Channel) startKeepAlive() {
	if c.keepAliveInterval <= 0 {
		return
	}

	c.mu.Lock()
	if c.keepAliveRunning || c.closed {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.keepAliveStop = stop
	c.keepAliveRunning = true
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ping, err := jsonrpc.NewNotification("ping", nil)
				if err != nil {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err = c.SendNotification(ctx, ping)
				cancel()
				if err != nil {
					c.logf("keep-alive failed: %v", err)
					c.nudgeListener()
				}
			}
		}
	}()
}

// nudgeListener wakes a listener waiting out a reconnect delay.
func (c *Channel) nudgeListener() {
	select {
	case c.listenNudge <- struct{}{}:
	default:
	}
}

// trackStream registers a cancel function so Close can abort the read.
func (c *Channel) trackStream(cancel context.CancelFunc) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.nextStreamID++
	id := c.nextStreamID
	c.streamCancels[id] = cancel
	return id, true
}

func (c *Channel) untrackStream(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streamCancels, id)
}

func (c *Channel) reportError(err error) {
	if c.handler != nil && err != nil {
		c.handler.OnError(err)
	}
}

func (c *Channel) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debug(format, args...)
	}
}

// mediaType strips parameters from a Content-Type header value.
func mediaType(v string) string {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(v, ";")[0]))
	}
	return mt
}

func drainAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 4096))
	_ = rc.Close()
}
