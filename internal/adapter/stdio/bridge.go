// Package stdio provides the two concrete stdio transport adapters:
// server-facing (the proxy spawns and owns the real MCP server) and
// client-facing (the real MCP client speaks to the proxy's own
// stdin/stdout).
package stdio

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/tapwire/tapwire/internal/port/transport"
	"github.com/tapwire/tapwire/pkg/mcp"
)

// bridgeQueueSize bounds the in-memory queues between the byte streams
// and the pipeline. A slow consumer exerts backpressure on the
// transport instead of buffering without limit.
const bridgeQueueSize = 64

// bridge pumps newline-framed JSON-RPC between a byte-stream pair and
// bounded channels. Two goroutines do the forwarding; the read channel
// is closed on stream end so a suspended Read wakes and fails with
// transport.ErrClosed.
type bridge struct {
	readCh      chan *mcp.Message
	writeCh     chan *mcp.Message
	done        chan struct{}
	writeFailed chan struct{}
	failOnce    sync.Once
	wg          sync.WaitGroup
	logger      *slog.Logger
}

func newBridge(logger *slog.Logger) *bridge {
	return &bridge{
		readCh:      make(chan *mcp.Message, bridgeQueueSize),
		writeCh:     make(chan *mcp.Message, bridgeQueueSize),
		done:        make(chan struct{}),
		writeFailed: make(chan struct{}),
		logger:      logger,
	}
}

// start launches the two forwarding goroutines over the given streams.
func (b *bridge) start(r io.Reader, w io.Writer) {
	b.wg.Add(2)
	go b.readLoop(r)
	go b.writeLoop(w)
}

// readLoop bridges stream frames into the read channel. Parse errors
// are handled inside the frame reader (logged, frame skipped); only a
// stream end or a hard read error terminates the loop, closing the
// channel as the terminal marker.
func (b *bridge) readLoop(r io.Reader) {
	defer b.wg.Done()
	defer close(b.readCh)

	fr := mcp.NewFrameReader(r, b.logger)
	for {
		msg, err := fr.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedStream(err) {
				b.logger.Debug("stream read ended", "error", err)
			}
			return
		}
		select {
		case b.readCh <- msg:
		case <-b.done:
			return
		}
	}
}

// writeLoop drains the write channel into the stream. A write error is
// terminal: the peer is gone, so subsequent Writes fail with ErrClosed.
func (b *bridge) writeLoop(w io.Writer) {
	defer b.wg.Done()

	fw := mcp.NewFrameWriter(w)
	for {
		select {
		case msg := <-b.writeCh:
			if err := fw.WriteMessage(msg); err != nil {
				if !isClosedStream(err) {
					b.logger.Warn("stream write failed", "error", err)
				}
				b.failWrites()
				return
			}
		case <-b.done:
			return
		}
	}
}

func (b *bridge) failWrites() {
	b.failOnce.Do(func() { close(b.writeFailed) })
}

// read returns the next bridged message, failing with ErrClosed once
// the bridge is shut down or the stream has ended.
func (b *bridge) read(ctx context.Context) (*mcp.Message, error) {
	select {
	case <-b.done:
		return nil, transport.ErrClosed
	default:
	}
	select {
	case msg, ok := <-b.readCh:
		if !ok {
			return nil, transport.ErrClosed
		}
		return msg, nil
	case <-b.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// write enqueues a message for the stream in call order.
func (b *bridge) write(ctx context.Context, msg *mcp.Message) error {
	select {
	case <-b.done:
		return transport.ErrClosed
	case <-b.writeFailed:
		return transport.ErrClosed
	default:
	}
	select {
	case b.writeCh <- msg:
		return nil
	case <-b.done:
		return transport.ErrClosed
	case <-b.writeFailed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown signals both loops to stop. The underlying streams must be
// closed by the owner so a blocked stream read unblocks.
func (b *bridge) shutdown() {
	close(b.done)
}

// isClosedStream reports errors expected when the owner tears the
// streams down underneath the loops.
func isClosedStream(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, fs.ErrClosed)
}
