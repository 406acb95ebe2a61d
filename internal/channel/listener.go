package channel

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newReconnectBackoff builds the deterministic part of the reconnect
// schedule: 1s base, x1.5 per attempt, capped at 30s. Jitter is applied
// separately when arming the timer so delays only ever grow, never
// shrink below the curve.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBaseDelay
	bo.Multiplier = reconnectMultiplier
	bo.MaxInterval = reconnectMaxDelay
	bo.RandomizationFactor = 0
	return bo
}

// jitterDelay adds up to 30% random jitter on top of the base delay.
func jitterDelay(base time.Duration) time.Duration {
	return base + time.Duration(rand.Float64()*reconnectJitter*float64(base))
}

// Listen opens and maintains the long-lived inbound event stream. It
// runs as an explicit driving loop:
//
//   - normal closure of the stream triggers an immediate reconnect and
//     resets the attempt counter;
//   - "method not allowed" means the server does not support push; the
//     loop exits quietly with ErrPushUnsupported;
//   - "not found" means the session expired; session state is cleared
//     and the error surfaces to this call only;
//   - any other failure schedules a reconnect with exponential backoff.
//
// Listen returns when the context is cancelled, the channel closes, or
// one of the terminal conditions above occurs.
func (c *Channel) Listen(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.listenerActive {
		c.mu.Unlock()
		return fmt.Errorf("listener already active")
	}
	c.listenerActive = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.listenerActive = false
		c.mu.Unlock()
	}()

	bo := newReconnectBackoff()
	attempts := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.listenOnce(ctx)
		switch {
		case err == nil:
			// Clean closure: reconnect immediately and reset the
			// schedule.
			bo.Reset()
			attempts = 0
			continue

		case err == ErrPushUnsupported:
			c.logf("server push not supported, listener exiting")
			return ErrPushUnsupported

		case isSessionExpired(err):
			return err

		case ctx.Err() != nil:
			return nil

		default:
			attempts++
			delay := jitterDelay(bo.NextBackOff())
			c.logf("listener failed (attempt %d): %v, reconnecting in %v", attempts, err, delay)
			c.reportError(err)
			if !c.waitReconnect(ctx, delay) {
				return nil
			}
		}
	}
}

// waitReconnect sleeps out the reconnect delay with cancel-and-replace
// timer semantics: arming a new delay always clears any prior pending
// timer first. A keep-alive nudge cuts the wait short. Returns false if
// the context was cancelled or the channel closed.
func (c *Channel) waitReconnect(ctx context.Context, delay time.Duration) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	timer := time.NewTimer(delay)
	c.reconnectTimer = timer
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.reconnectTimer == timer {
			c.reconnectTimer = nil
		}
		c.mu.Unlock()
		timer.Stop()
	}()

	select {
	case <-timer.C:
		return true
	case <-c.listenNudge:
		c.logf("reconnect wait cut short by keep-alive failure")
		return true
	case <-ctx.Done():
		return false
	}
}

// listenOnce opens one inbound stream and reads it to completion.
func (c *Channel) listenOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	session := c.sessionID
	lastEventID := c.lastEventID
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return newTransportError(err, "failed to build stream request: %v", err)
	}
	req.Header.Set("Accept", contentTypeEventStream)
	if session != "" {
		req.Header.Set(headerSessionID, session)
	}
	if lastEventID != "" {
		req.Header.Set(headerLastEventID, lastEventID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newTransportError(err, "stream request failed: %v", err)
	}

	switch resp.StatusCode {
	case http.StatusMethodNotAllowed:
		drainAndClose(resp.Body)
		return ErrPushUnsupported

	case http.StatusNotFound:
		drainAndClose(resp.Body)
		c.clearSession()
		return &SessionExpiredError{SessionID: session}

	case http.StatusOK:
		// Connected cleanly.

	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		drainAndClose(resp.Body)
		return &TransportError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("unexpected stream status %d", resp.StatusCode),
			Body:    raw,
		}
	}

	if mt := mediaType(resp.Header.Get("Content-Type")); mt != contentTypeEventStream {
		drainAndClose(resp.Body)
		return &TransportError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("unexpected stream content type %q", mt),
		}
	}

	c.logf("listener stream connected")
	return c.readStream(ctx, resp.Body, nil)
}

func isSessionExpired(err error) bool {
	_, ok := err.(*SessionExpiredError)
	return ok
}
