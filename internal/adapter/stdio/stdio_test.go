package stdio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tapwire/tapwire/internal/port/transport"
	"github.com/tapwire/tapwire/pkg/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func message(t *testing.T, raw string) *mcp.Message {
	t.Helper()
	msg, err := mcp.Wrap([]byte(raw))
	if err != nil {
		t.Fatalf("wrap %q: %v", raw, err)
	}
	return msg
}

// Client adapter over in-memory pipes: frames written by the peer come
// out of Read in order; Write frames reach the peer.
func TestClientAdapterReadWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	clientToProxy, peerIn := io.Pipe()
	peerOut, proxyToClient := io.Pipe()

	adapter := NewClientAdapter(clientToProxy, proxyToClient, testLogger())
	defer func() { _ = adapter.Close() }()

	// Peer sends two frames.
	go func() {
		_, _ = peerIn.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n"))
		_, _ = peerIn.Write([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"))
	}()

	ctx := context.Background()
	first, err := adapter.Read(ctx)
	if err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if first.Method() != "initialize" {
		t.Errorf("first method = %q", first.Method())
	}
	second, err := adapter.Read(ctx)
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if second.Method() != "notifications/initialized" {
		t.Errorf("second method = %q", second.Method())
	}

	// Proxy responds; the peer sees a framed line.
	lineCh := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := peerOut.Read(buf)
		lineCh <- string(buf[:n])
	}()
	if err := adapter.Write(ctx, message(t, `{"jsonrpc":"2.0","id":1,"result":{}}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case line := <-lineCh:
		want := `{"jsonrpc":"2.0","id":1,"result":{}}` + "\n"
		if line != want {
			t.Errorf("peer received %q, want %q", line, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the written frame")
	}
}

// A malformed frame is skipped; the next well-formed one is returned.
func TestClientAdapterSkipsParseErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	clientToProxy, peerIn := io.Pipe()
	adapter := NewClientAdapter(clientToProxy, io.Discard, testLogger())
	defer func() { _ = adapter.Close() }()

	go func() {
		_, _ = peerIn.Write([]byte("garbage\n"))
		_, _ = peerIn.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	}()

	msg, err := adapter.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Method() != "ping" {
		t.Errorf("method = %q, want ping", msg.Method())
	}
}

// Peer EOF wakes a suspended Read with the closed error.
func TestClientAdapterEOFWakesRead(t *testing.T) {
	defer goleak.VerifyNone(t)

	clientToProxy, peerIn := io.Pipe()
	adapter := NewClientAdapter(clientToProxy, io.Discard, testLogger())
	defer func() { _ = adapter.Close() }()

	errCh := make(chan error, 1)
	go func() {
		_, err := adapter.Read(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the Read suspend
	_ = peerIn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, transport.ErrClosed) {
			t.Errorf("Read after EOF = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("suspended Read did not wake on EOF")
	}
}

// Close wakes a suspended Read and is idempotent; subsequent calls
// produce only the closed error.
func TestClientAdapterCloseIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	clientToProxy, peerIn := io.Pipe()
	defer func() { _ = peerIn.Close() }()
	adapter := NewClientAdapter(clientToProxy, io.Discard, testLogger())

	errCh := make(chan error, 1)
	go func() {
		_, err := adapter.Read(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := adapter.Close(); err != nil {
			t.Errorf("Close #%d = %v", i+1, err)
		}
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, transport.ErrClosed) {
			t.Errorf("suspended Read = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("suspended Read did not wake on Close")
	}

	if _, err := adapter.Read(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
	if err := adapter.Write(context.Background(), message(t, `{"jsonrpc":"2.0","method":"ping"}`)); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

// Context cancellation unblocks a suspended Read without closing the
// adapter.
func TestClientAdapterReadCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	clientToProxy, peerIn := io.Pipe()
	adapter := NewClientAdapter(clientToProxy, io.Discard, testLogger())
	defer func() {
		_ = adapter.Close()
		_ = peerIn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := adapter.Read(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Read = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("suspended Read did not wake on cancellation")
	}
}

// The server adapter spawns a real subprocess. cat(1) echoes frames
// back verbatim, which is all a transport test needs.
func TestServerAdapterSubprocessEcho(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter, err := NewServerAdapter(context.Background(), ServerConfig{
		Command: "cat",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewServerAdapter: %v", err)
	}
	defer func() { _ = adapter.Close() }()

	ctx := context.Background()
	sent := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	if err := adapter.Write(ctx, message(t, sent)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	echoed, err := adapter.Read(readCtx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(echoed.Raw) != sent {
		t.Errorf("echoed %q, want %q", echoed.Raw, sent)
	}
}

// Closing the server adapter kills the subprocess and fails further
// operations with the closed error.
func TestServerAdapterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter, err := NewServerAdapter(context.Background(), ServerConfig{
		Command: "cat",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewServerAdapter: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := adapter.Close(); err != nil {
			t.Errorf("Close #%d = %v", i+1, err)
		}
	}
	if _, err := adapter.Read(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
	if err := adapter.Write(context.Background(), message(t, `{"jsonrpc":"2.0","method":"ping"}`)); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

// A server process that exits on its own surfaces as ErrClosed on the
// read side once its output drains.
func TestServerAdapterProcessExit(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter, err := NewServerAdapter(context.Background(), ServerConfig{
		Command: "sh",
		Args:    []string{"-c", `echo '{"jsonrpc":"2.0","id":1,"result":{}}'`},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewServerAdapter: %v", err)
	}
	defer func() { _ = adapter.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := adapter.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !msg.IsResponse() {
		t.Errorf("expected the echoed response, got %s", msg.Raw)
	}

	if _, err := adapter.Read(ctx); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Read after process exit = %v, want ErrClosed", err)
	}
}
