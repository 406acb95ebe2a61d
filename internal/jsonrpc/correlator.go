package jsonrpc

import (
	"errors"
	"sync"
	"time"
)

// ErrChannelClosed is delivered to waiters when the owning channel closes
// with their request still unresolved.
var ErrChannelClosed = errors.New("channel closed with request pending")

// ErrDuplicateID is returned when a request id is registered twice.
var ErrDuplicateID = errors.New("request id already pending")

// pendingRequest tracks one outstanding id-bearing request.
type pendingRequest struct {
	createdAt time.Time
	done      chan *Message
}

// Correlator tracks outstanding request ids and matches arriving results
// and errors to them. It deliberately carries no timeout policy of its
// own; request-level deadlines belong to whatever layer issues requests.
//
// All mutations are serialized by a mutex so the correlator can be shared
// between the outbound send path and the inbound stream reader.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[string]*pendingRequest),
	}
}

// Register records an outstanding request id and returns the channel on
// which its terminal message will be delivered. The channel is buffered,
// so resolution never blocks the stream reader.
func (c *Correlator) Register(id RequestID) (<-chan *Message, error) {
	if id.IsZero() {
		return nil, errors.New("cannot register a message without an id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := id.String()
	if _, exists := c.pending[key]; exists {
		return nil, ErrDuplicateID
	}

	p := &pendingRequest{
		createdAt: time.Now(),
		done:      make(chan *Message, 1),
	}
	c.pending[key] = p
	return p.done, nil
}

// Resolve delivers a terminal message to the matching pending request and
// removes the entry. It returns false when no request with that id is
// outstanding, which also guarantees an id is resolved at most once.
func (c *Correlator) Resolve(msg *Message) bool {
	if msg == nil || !msg.IsTerminal() {
		return false
	}

	c.mu.Lock()
	p, ok := c.pending[msg.ID.String()]
	if ok {
		delete(c.pending, msg.ID.String())
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- msg
	return true
}

// IsPending reports whether the given id is still outstanding.
func (c *Correlator) IsPending(id RequestID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id.String()]
	return ok
}

// AnyPending reports whether any of the given ids is still outstanding.
// Used by request-scoped streams to decide when the underlying read can
// be cancelled.
func (c *Correlator) AnyPending(ids []RequestID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.pending[id.String()]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Drop removes a pending entry without delivering anything. Used by the
// send path when the outbound call itself fails.
func (c *Correlator) Drop(id RequestID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id.String())
}

// Fail closes the waiter channels of the given ids if still pending.
// Used when the stream carrying their responses dies.
func (c *Correlator) Fail(ids []RequestID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		key := id.String()
		if p, ok := c.pending[key]; ok {
			close(p.done)
			delete(c.pending, key)
		}
	}
}

// FailAll closes every pending waiter channel. Waiters observe the closed
// channel and must treat their request as failed; the channel never
// silently discards a tracked request.
func (c *Correlator) FailAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, p := range c.pending {
		close(p.done)
		delete(c.pending, key)
	}
}
