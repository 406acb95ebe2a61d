package channel

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/giantswarm/mcp-conduit/internal/jsonrpc"
)

// event is one server-sent record: blank-line-delimited fields of which
// we use data, id and event.
type event struct {
	id    string
	name  string
	data  string
	dirty bool
}

// eventParser incrementally splits a byte stream into server-sent
// records. Records are terminated by a blank line; multi-line data fields
// are joined with newlines.
type eventParser struct {
	buf     strings.Builder
	current event
}

// feed consumes a chunk and returns any completed events.
func (p *eventParser) feed(chunk []byte) []event {
	p.buf.Write(chunk)
	raw := p.buf.String()

	var events []event
	for {
		idx := strings.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(raw[:idx], "\r")
		raw = raw[idx+1:]

		if line == "" {
			if p.current.dirty {
				events = append(events, p.current)
			}
			p.current = event{}
			continue
		}
		p.parseLine(line)
	}

	p.buf.Reset()
	p.buf.WriteString(raw)
	return events
}

func (p *eventParser) parseLine(line string) {
	// Lines starting with a colon are comments (often used as server
	// keep-alives); they reset the stall clock upstream but carry no data.
	if strings.HasPrefix(line, ":") {
		return
	}

	field, value := line, ""
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = strings.TrimPrefix(line[idx+1:], " ")
	}

	switch field {
	case "data":
		if p.current.data != "" {
			p.current.data += "\n"
		}
		p.current.data += value
		p.current.dirty = true
	case "id":
		p.current.id = value
		p.current.dirty = true
	case "event":
		p.current.name = value
		p.current.dirty = true
	}
}

// readStream drives one event stream to completion. scope, when non-nil,
// ties the stream to a set of outstanding request ids: the read is
// cancelled as soon as every tracked id has been resolved.
//
// Watchdogs: any byte received resets the per-chunk stall timer; only a
// completed event resets the idle timer. Either expiry aborts the stream
// with a StreamTimeoutError.
func (c *Channel) readStream(ctx context.Context, body io.ReadCloser, scope []jsonrpc.RequestID) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamID, ok := c.trackStream(cancel)
	if !ok {
		_ = body.Close()
		return ErrClosed
	}
	defer c.untrackStream(streamID)

	chunks := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case chunks <- data:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	// Ensure the reader goroutine unblocks when we bail out.
	defer func() { _ = body.Close() }()

	parser := &eventParser{}
	start := time.Now()
	stall := time.NewTimer(c.readTimeout)
	defer stall.Stop()
	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()

	// consume parses one chunk and reports whether every request this
	// stream was opened for has been resolved.
	consume := func(data []byte) bool {
		resetTimer(stall, c.readTimeout)
		events := parser.feed(data)
		for _, ev := range events {
			resetTimer(idle, c.idleTimeout)
			c.handleEvent(ev)
		}
		return scope != nil && !c.correlator.AnyPending(scope)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case data := <-chunks:
			if data == nil {
				continue
			}
			if consume(data) {
				return nil
			}

		case err := <-readErr:
			// The final Read often returns its last chunk together with
			// the error, so both channels become ready at once. Anything
			// still queued must be parsed before the error is honored.
		drain:
			for {
				select {
				case data := <-chunks:
					if data == nil {
						break drain
					}
					consume(data)
				default:
					break drain
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			if err == io.EOF {
				// Normal closure.
				return nil
			}
			return newTransportError(err, "stream read failed: %v", err)

		case <-stall.C:
			return &StreamTimeoutError{
				Reason:  "no data received within read timeout",
				Elapsed: time.Since(start),
			}

		case <-idle.C:
			return &StreamTimeoutError{
				Reason:  "no events received within idle ceiling",
				Elapsed: time.Since(start),
			}
		}
	}
}

// handleEvent applies one parsed record: the id field advances the
// resumption marker, the data field carries JSON-RPC payload.
func (c *Channel) handleEvent(ev event) {
	if ev.id != "" {
		c.mu.Lock()
		c.lastEventID = ev.id
		c.mu.Unlock()
	}

	if ev.data == "" {
		return
	}

	msgs, err := jsonrpc.Decode([]byte(ev.data))
	if err != nil {
		c.logf("discarding undecodable stream event: %v", err)
		return
	}
	for _, m := range msgs {
		c.dispatch(m)
	}
}

// resetTimer safely rearms a timer that may have fired already.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
