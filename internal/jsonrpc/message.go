// Package jsonrpc implements the JSON-RPC 2.0 message framing used by the
// conduit channel: the message tagged union, request identifiers that may
// be strings or integers, and batch decoding.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// RequestID is a JSON-RPC request identifier. The wire format allows both
// strings and integers, so the value is kept opaque and compared through
// its canonical string form.
type RequestID struct {
	value interface{}
}

// NewRequestID creates a RequestID from a string or integer value.
func NewRequestID(value interface{}) RequestID {
	return RequestID{value: value}
}

// IsZero reports whether the ID is unset.
func (id RequestID) IsZero() bool {
	return id.value == nil
}

// String returns the canonical key form of the ID, used to index the
// pending-request map. Integer and string forms never collide because the
// string form is quoted.
func (id RequestID) String() string {
	switch v := id.value.(type) {
	case nil:
		return ""
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Value returns the underlying identifier value.
func (id RequestID) Value() interface{} {
	return id.value
}

// MarshalJSON implements json.Marshaler.
func (id RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are decoded as int64
// so the canonical form is stable across encode/decode round trips.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		id.value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		id.value = s
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		id.value = n
		return nil
	}
	return fmt.Errorf("request id must be a string or integer: %s", string(data))
}

// Kind discriminates the message union.
type Kind int

const (
	// KindInvalid marks a message that fits no JSON-RPC shape.
	KindInvalid Kind = iota
	// KindRequest is an id-bearing call expecting a result or error.
	KindRequest
	// KindNotification is a method call without an id.
	KindNotification
	// KindResponse is a successful result for an earlier request.
	KindResponse
	// KindError is an error result for an earlier request.
	KindError
)

// ErrorDetail is the error object carried by error responses.
type ErrorDetail struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is one JSON-RPC message: request, notification, response or
// error response. Exactly one shape is populated; Kind reports which.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler. The id field is omitted entirely
// for notifications; omitempty alone cannot do that for a struct type.
func (m *Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *RequestID      `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *ErrorDetail    `json:"error,omitempty"`
	}
	w := wire{
		JSONRPC: m.JSONRPC,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	}
	if !m.ID.IsZero() {
		id := m.ID
		w.ID = &id
	}
	return json.Marshal(w)
}

// NewRequest builds a request message with the given id.
func NewRequest(id RequestID, method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}

// Kind reports which arm of the message union this message is.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && !m.ID.IsZero():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.Error != nil:
		return KindError
	case !m.ID.IsZero():
		return KindResponse
	default:
		return KindInvalid
	}
}

// IsTerminal reports whether the message is a terminal delivery for a
// pending request (a result or an error response).
func (m *Message) IsTerminal() bool {
	k := m.Kind()
	return k == KindResponse || k == KindError
}

// Decode parses a single JSON-RPC message or a batch. Batches arrive as a
// JSON array; single messages as an object. The returned slice preserves
// wire order.
func Decode(data []byte) ([]*Message, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty message body")
	}

	if trimmed[0] == '[' {
		var batch []*Message
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("failed to decode message batch: %w", err)
		}
		if len(batch) == 0 {
			return nil, fmt.Errorf("empty message batch")
		}
		return batch, nil
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return []*Message{&msg}, nil
}
