// Package capture holds the envelope model and session store: the
// canonical in-memory and on-disk representation of a proxied capture.
package capture

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tapwire/tapwire/pkg/mcp"
)

// Direction indicates the flow direction of a message through the proxy.
type Direction string

const (
	// ClientToServer is a message flowing from the MCP client to the server.
	ClientToServer Direction = "client_to_server"
	// ServerToClient is a message flowing from the MCP server to the client.
	ServerToClient Direction = "server_to_client"
)

// Transport identifies the MCP transport in use for a session.
type Transport string

const (
	// TransportStdio is the stdio subprocess transport.
	TransportStdio Transport = "stdio"
	// TransportSSE is the Server-Sent Events transport (protocol slot).
	TransportSSE Transport = "sse"
	// TransportStreamableHTTP is the streamable HTTP transport (protocol slot).
	TransportStreamableHTTP Transport = "streamable_http"
)

// Envelope wraps one JSON-RPC message with proxy capture metadata.
// Envelopes are identified by a proxy-assigned UUID and ordered by a
// session-wide sequence number shared across both directions.
type Envelope struct {
	// ID is the proxy-assigned UUID for this envelope.
	ID string

	// Sequence is a monotonic counter value, unique within the
	// session, assigned at capture time. Both directions draw from
	// the same counter.
	Sequence int

	// Timestamp is the UTC instant of capture at the proxy.
	Timestamp time.Time

	// Direction is ClientToServer or ServerToClient.
	Direction Direction

	// Transport is the session transport tag.
	Transport Transport

	// Message is the wire message, raw bytes plus decoded form.
	// After a modify release this is the modified message.
	Message *mcp.Message

	// JSONRPCID is the raw JSON token of the message id.
	// Nil for notifications.
	JSONRPCID json.RawMessage

	// Method is the JSON-RPC method. Empty for responses.
	Method string

	// CorrelatedID is the proxy id of the request envelope this
	// response matched. Empty for requests and notifications.
	CorrelatedID string

	// Modified is true iff the payload was rewritten before forwarding.
	Modified bool

	// Original is the pre-modification message. Nil unless Modified.
	Original *mcp.Message
}

// NewEnvelope builds an envelope around a wire message, assigning a
// fresh UUID and stamping the capture time. The caller supplies the
// sequence number from the session-wide counter.
func NewEnvelope(msg *mcp.Message, seq int, dir Direction, tr Transport) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Direction: dir,
		Transport: tr,
		Message:   msg,
		JSONRPCID: msg.RawID(),
		Method:    msg.Method(),
	}
}

// ApplyModification swaps in a rewritten payload, keeping the original
// for audit. The envelope keeps its sequence number — a mutation does
// not re-sequence.
func (e *Envelope) ApplyModification(modified *mcp.Message) {
	e.Original = e.Message
	e.Message = modified
	e.Modified = true
}
