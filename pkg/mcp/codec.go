package mcp

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Scanner buffer sizes. MCP messages can be large (tool results with
// embedded file contents), so the default 64KB token limit is too small.
const (
	frameBufInitial = 256 * 1024
	frameBufMax     = 1024 * 1024
)

// EncodeMessage serializes a JSON-RPC message to its wire format.
// Delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire data. The result is either a
// *jsonrpc.Request or a *jsonrpc.Response.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// FrameReader reads newline-delimited JSON-RPC messages from a byte
// stream. Frames that fail to parse are logged at warning level and
// skipped — a malformed frame never surfaces as a read error.
type FrameReader struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
}

// NewFrameReader wraps r in a newline-framed JSON-RPC reader.
func NewFrameReader(r io.Reader, logger *slog.Logger) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, frameBufInitial), frameBufMax)
	return &FrameReader{scanner: scanner, logger: logger}
}

// Next returns the next well-formed message from the stream.
// Returns io.EOF when the stream ends, or the scanner's error if the
// underlying read failed.
func (fr *FrameReader) Next() (*Message, error) {
	for fr.scanner.Scan() {
		line := fr.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Copy: scanner reuses its buffer on the next Scan.
		raw := append([]byte(nil), line...)
		msg, err := Wrap(raw)
		if err != nil {
			fr.logger.Warn("dropping unparseable frame",
				"error", err,
				"bytes", len(raw),
			)
			continue
		}
		return msg, nil
	}
	if err := fr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// FrameWriter writes newline-delimited JSON-RPC messages to a byte
// stream. Writes are serialized so a frame is never interleaved.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w in a newline-framed JSON-RPC writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteMessage writes one message followed by the frame terminator,
// as a single Write on the underlying stream.
func (fw *FrameWriter) WriteMessage(msg *Message) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	frame := make([]byte, 0, len(msg.Raw)+1)
	frame = append(frame, msg.Raw...)
	frame = append(frame, '\n')
	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
