// Package transport defines the adapter contract between the pipeline
// and a concrete MCP transport.
package transport

import (
	"context"
	"errors"

	"github.com/tapwire/tapwire/pkg/mcp"
)

// ErrClosed is returned by Read and Write once an adapter has been
// closed or its peer has disconnected. Pipeline loops treat it as
// normal shutdown.
var ErrClosed = errors.New("transport closed")

// Adapter is one side of a proxied connection. Each session binds a
// client-facing adapter (the real MCP client talks to the proxy) to a
// server-facing adapter (the proxy talks to the real MCP server).
//
// Read and Write honor context cancellation. Close is idempotent and
// must wake any suspended Read with ErrClosed.
type Adapter interface {
	// Read returns the next inbound message, in transport arrival
	// order. Fails with ErrClosed when the peer is gone or Close has
	// been called.
	Read(ctx context.Context) (*mcp.Message, error)

	// Write enqueues a message for the peer. Delivery order matches
	// call order. Fails with ErrClosed after Close.
	Write(ctx context.Context, msg *mcp.Message) error

	// Close releases all resources held by the adapter: subprocess
	// handles, streams, bridge goroutines. Safe to call repeatedly.
	Close() error
}
