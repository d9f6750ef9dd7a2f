// Package jsonrpc models the JSON-RPC 2.0 message shapes the bridge
// shuttles between clients and peers. The bridge never dispatches on
// method names; it only needs to tell requests, responses, and
// notifications apart, and to rewrite request ids. Parsing is therefore
// structural: a frame is accepted as long as it is a JSON object, and
// classification happens on the presence of the id and method fields.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the JSON-RPC protocol version stamped onto
// messages the bridge originates itself.
const ProtocolVersion = "2.0"

// Kind identifies the structural shape of a message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// AnyMessage is one JSON-RPC message of any shape. A request has a
// method and an id, a notification has a method and no id, and a
// response has an id and no method.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc,omitempty"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON-RPC 2.0 error codes used by the bridge.
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeInternalError  = -32603
)

// Parse decodes a single raw frame into an AnyMessage. It rejects
// anything that is not a JSON object (batch arrays included) but makes
// no attempt to validate JSON-RPC semantics beyond that: the bridge
// relays messages, it does not serve them.
func Parse(data []byte) (*AnyMessage, error) {
	trimmed := skipSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("message must be a JSON object")
	}
	var msg AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC frame: %w", err)
	}
	return &msg, nil
}

func skipSpace(data []byte) []byte {
	for len(data) > 0 {
		switch data[0] {
		case ' ', '\t', '\r', '\n':
			data = data[1:]
		default:
			return data
		}
	}
	return data
}

// Kind classifies the message on field presence alone.
func (m *AnyMessage) Kind() Kind {
	hasID := !m.ID.IsNil()
	hasMethod := m.Method != ""
	switch {
	case hasMethod && hasID:
		return KindRequest
	case hasMethod:
		return KindNotification
	default:
		return KindResponse
	}
}

// IsRequest reports whether the message carries both a method and an id.
func (m *AnyMessage) IsRequest() bool { return m.Kind() == KindRequest }

// IsResponse reports whether the message carries an id but no method.
func (m *AnyMessage) IsResponse() bool { return m.Kind() == KindResponse }

// IsNotification reports whether the message carries a method but no id.
func (m *AnyMessage) IsNotification() bool { return m.Kind() == KindNotification }

// WithID returns a shallow copy of the message with its id replaced.
// Params, result, and error payloads are shared with the original; the
// bridge never mutates them.
func (m *AnyMessage) WithID(id *RequestID) *AnyMessage {
	clone := *m
	clone.ID = id
	return &clone
}

// NewErrorResponse builds an error response the bridge originates
// itself (the peer-side errors it relays pass through untouched).
func NewErrorResponse(id *RequestID, code int, message string) *AnyMessage {
	return &AnyMessage{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message},
		ID:             id,
	}
}
