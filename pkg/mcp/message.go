// Package mcp provides the JSON-RPC message wrapper, classification
// helpers, and newline-framed codec used by the tapwire proxy.
package mcp

import (
	"bytes"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Message wraps one JSON-RPC wire message as it moves through the proxy.
// It carries both the raw bytes (for bit-exact passthrough and capture)
// and the decoded form (for classification and correlation).
type Message struct {
	// Raw contains the original bytes of the message, without framing.
	Raw []byte

	// Decoded is the parsed JSON-RPC message. The concrete type is
	// either *jsonrpc.Request or *jsonrpc.Response. In the SDK a
	// notification is a Request whose ID is the zero value.
	Decoded jsonrpc.Message
}

// Wrap decodes raw JSON-RPC bytes into a Message.
func Wrap(raw []byte) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	return &Message{Raw: raw, Decoded: decoded}, nil
}

// FromDecoded encodes a decoded JSON-RPC message and wraps it.
// Used where the proxy synthesizes messages (replay handshake).
func FromDecoded(msg jsonrpc.Message) (*Message, error) {
	raw, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return &Message{Raw: raw, Decoded: msg}, nil
}

// IsRequest reports whether the message is a JSON-RPC request
// (method plus id).
func (m *Message) IsRequest() bool {
	req, ok := m.Decoded.(*jsonrpc.Request)
	return ok && req.IsCall()
}

// IsNotification reports whether the message is a JSON-RPC notification
// (method, no id).
func (m *Message) IsNotification() bool {
	req, ok := m.Decoded.(*jsonrpc.Request)
	return ok && !req.IsCall()
}

// IsResponse reports whether the message is a JSON-RPC response,
// success or error.
func (m *Message) IsResponse() bool {
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name for requests and notifications,
// empty string for responses.
func (m *Message) Method() string {
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// RawID extracts the JSON-RPC id from the raw wire bytes as a raw JSON
// token. The SDK's jsonrpc.ID type does not round-trip through
// interface{}, so the id is pulled directly from the raw JSON; this also
// preserves the original token so that integer 1 and string "1" stay
// distinct. Returns nil for notifications and unparseable payloads.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &fields); err != nil {
		return nil
	}
	id, ok := fields["id"]
	if !ok || bytes.Equal(id, []byte("null")) {
		return nil
	}
	return id
}

// IDKey canonicalizes a raw id token into a comparable map key.
// Ids correlate only when their raw JSON tokens are identical after
// whitespace normalization, so "1" (string) never matches 1 (number).
// Returns "" for an absent id.
func IDKey(id json.RawMessage) string {
	if len(id) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(id)
	}
	return buf.String()
}
