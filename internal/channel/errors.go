package channel

import (
	"errors"
	"fmt"
	"time"
)

// ErrPushUnsupported is returned by Listen when the server answers the
// stream request with "method not allowed". Server push is optional, so
// callers should treat this as a quiet exit rather than a failure.
var ErrPushUnsupported = errors.New("server does not support push streams")

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel is closed")

// TransportError is the typed failure for any channel operation. Code
// carries the HTTP status when one applies and 0 for non-HTTP failures
// (network errors, decode errors). Body holds the raw response when
// available.
type TransportError struct {
	Code    int
	Message string
	Body    []byte
	Err     error
}

func (e *TransportError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("transport error (HTTP %d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("transport error: %s", e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// newTransportError wraps a non-HTTP failure.
func newTransportError(err error, format string, args ...interface{}) *TransportError {
	return &TransportError{
		Code:    0,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// SessionExpiredError reports that the server no longer recognizes the
// session id. The channel clears its session and resends once without it;
// this error surfaces only when that bounded retry also fails, or when
// the listener stream finds the session gone.
type SessionExpiredError struct {
	SessionID string
	Err       error
}

func (e *SessionExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s expired and retry without session failed: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("session %s expired", e.SessionID)
}

func (e *SessionExpiredError) Unwrap() error {
	return e.Err
}

// StreamTimeoutError reports a stalled or idle event stream. A stall is a
// single read exceeding the per-chunk timeout; idle means no complete
// event arrived within the idle ceiling. Either aborts the stream; only
// the long-lived listener schedules a reconnect afterwards.
type StreamTimeoutError struct {
	Reason  string
	Elapsed time.Duration
}

func (e *StreamTimeoutError) Error() string {
	return fmt.Sprintf("stream timeout after %v: %s", e.Elapsed, e.Reason)
}
