package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tapwire/tapwire/internal/port/transport"
	"github.com/tapwire/tapwire/pkg/mcp"
)

// ClientAdapter is the client-facing stdio adapter: the real MCP client
// speaks to the proxy over the proxy's own stdin/stdout. Same bridge
// shape as the server adapter, but no subprocess is owned.
type ClientAdapter struct {
	in     io.Reader
	out    io.Writer
	bridge *bridge

	closeOnce sync.Once
	closeErr  error
}

// NewClientAdapter bridges the given streams. Pass os.Stdin/os.Stdout
// for a live proxy run; tests inject pipes.
func NewClientAdapter(in io.Reader, out io.Writer, logger *slog.Logger) *ClientAdapter {
	a := &ClientAdapter{
		in:     in,
		out:    out,
		bridge: newBridge(logger),
	}
	a.bridge.start(in, out)
	return a
}

// NewProcessClientAdapter bridges the proxy process's own stdin/stdout.
func NewProcessClientAdapter(logger *slog.Logger) *ClientAdapter {
	return NewClientAdapter(os.Stdin, os.Stdout, logger)
}

// Read returns the next message from the client, in arrival order.
func (a *ClientAdapter) Read(ctx context.Context) (*mcp.Message, error) {
	return a.bridge.read(ctx)
}

// Write enqueues a message for the client.
func (a *ClientAdapter) Write(ctx context.Context, msg *mcp.Message) error {
	return a.bridge.write(ctx, msg)
}

// Close shuts the adapter down. Streams that are closers are closed so
// the bridge read loop unblocks. Idempotent.
func (a *ClientAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.bridge.shutdown()

		var errs []error
		if c, ok := a.in.(io.Closer); ok {
			if err := c.Close(); err != nil && !isClosedStream(err) {
				errs = append(errs, fmt.Errorf("close input: %w", err))
			}
		}
		if c, ok := a.out.(io.Closer); ok {
			if err := c.Close(); err != nil && !isClosedStream(err) {
				errs = append(errs, fmt.Errorf("close output: %w", err))
			}
		}

		a.bridge.wg.Wait()
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// Compile-time check that ClientAdapter implements the adapter contract.
var _ transport.Adapter = (*ClientAdapter)(nil)
