package replay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tapwire/tapwire/internal/domain/capture"
	"github.com/tapwire/tapwire/internal/port/transport"
	"github.com/tapwire/tapwire/pkg/mcp"
)

// scriptedServer is a fake server-facing adapter. Writes are recorded;
// each write can trigger a scripted response pushed to the read side.
type scriptedServer struct {
	mu      sync.Mutex
	written []*mcp.Message

	responses chan *mcp.Message
	writeErr  error

	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptedServer() *scriptedServer {
	return &scriptedServer{
		responses: make(chan *mcp.Message, 16),
		closed:    make(chan struct{}),
	}
}

func (s *scriptedServer) Read(ctx context.Context) (*mcp.Message, error) {
	select {
	case msg := <-s.responses:
		return msg, nil
	case <-s.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptedServer) Write(ctx context.Context, msg *mcp.Message) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	s.written = append(s.written, msg)
	s.mu.Unlock()
	return nil
}

func (s *scriptedServer) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedServer) writtenMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.written))
	for _, msg := range s.written {
		out = append(out, msg.Method())
	}
	return out
}

func message(t *testing.T, raw string) *mcp.Message {
	t.Helper()
	msg, err := mcp.Wrap([]byte(raw))
	if err != nil {
		t.Fatalf("wrap %q: %v", raw, err)
	}
	return msg
}

func envelope(t *testing.T, raw string, seq int, dir capture.Direction) *capture.Envelope {
	t.Helper()
	return capture.NewEnvelope(message(t, raw), seq, dir, capture.TransportStdio)
}

// Scenario: a request with no response times out; the result records
// the timeout and replay does not abort.
func TestReplayTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := newScriptedServer()
	defer func() { _ = server.Close() }()

	msgs := []*capture.Envelope{
		envelope(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, 0, capture.ClientToServer),
	}

	start := time.Now()
	results, err := Run(context.Background(), msgs, server, Options{
		Timeout:       100 * time.Millisecond,
		AutoHandshake: false,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	r := results[0]
	if r.Response != nil {
		t.Error("timed-out result carries a response")
	}
	if !strings.Contains(strings.ToLower(r.Err), "timeout") {
		t.Errorf("error = %q, want a timeout", r.Err)
	}
	if r.Duration < 100*time.Millisecond {
		t.Errorf("elapsed %v, want >= 100ms", r.Duration)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("replay returned after %v, before the timeout", elapsed)
	}
}

// Scenario: auto-handshake prepends initialize and
// notifications/initialized before the replayed traffic.
func TestReplayAutoHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := newScriptedServer()
	defer func() { _ = server.Close() }()

	// Answer the handshake and the replayed request immediately.
	server.responses <- message(t, `{"jsonrpc":"2.0","id":"__handshake__","result":{"serverInfo":{"name":"fx"}}}`)
	server.responses <- message(t, `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`)

	msgs := []*capture.Envelope{
		envelope(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, 0, capture.ClientToServer),
	}

	results, err := Run(context.Background(), msgs, server, Options{
		Timeout:       time.Second,
		AutoHandshake: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantOrder := []string{"initialize", "notifications/initialized", "tools/list"}
	got := server.writtenMethods()
	if len(got) != len(wantOrder) {
		t.Fatalf("server observed %v, want %v", got, wantOrder)
	}
	for i := range wantOrder {
		if got[i] != wantOrder[i] {
			t.Errorf("write %d = %q, want %q", i, got[i], wantOrder[i])
		}
	}

	if len(results) != 1 || !results[0].OK() {
		t.Errorf("results = %+v", results)
	}
}

// The handshake is skipped when the capture already starts with
// initialize.
func TestReplaySkipsHandshakeWhenCaptured(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := newScriptedServer()
	defer func() { _ = server.Close() }()

	server.responses <- message(t, `{"jsonrpc":"2.0","id":1,"result":{}}`)

	msgs := []*capture.Envelope{
		envelope(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, 0, capture.ClientToServer),
	}

	if _, err := Run(context.Background(), msgs, server, Options{
		Timeout:       time.Second,
		AutoHandshake: true,
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := server.writtenMethods()
	if len(got) != 1 || got[0] != "initialize" {
		t.Errorf("server observed %v, want only the captured initialize", got)
	}
}

// Only client-to-server traffic is replayed, in capture order, and
// responses match by id.
func TestReplayFiltersAndMatches(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := newScriptedServer()
	defer func() { _ = server.Close() }()

	// Server chatter before the real answer is dropped on the floor.
	server.responses <- message(t, `{"jsonrpc":"2.0","method":"notifications/progress"}`)
	server.responses <- message(t, `{"jsonrpc":"2.0","id":99,"result":{"unrelated":true}}`)
	server.responses <- message(t, `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`)
	server.responses <- message(t, `{"jsonrpc":"2.0","id":2,"result":{"ok":true}}`)

	msgs := []*capture.Envelope{
		envelope(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, 0, capture.ClientToServer),
		envelope(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, 1, capture.ServerToClient),
		envelope(t, `{"jsonrpc":"2.0","method":"notifications/roots_changed"}`, 2, capture.ClientToServer),
		envelope(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call"}`, 3, capture.ClientToServer),
	}

	results, err := Run(context.Background(), msgs, server, Options{
		Timeout:       time.Second,
		AutoHandshake: false,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Server-to-client capture entries are never replayed.
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	// Results come back in capture order.
	for i, wantSeq := range []int{0, 2, 3} {
		if results[i].Original.Sequence != wantSeq {
			t.Errorf("result %d replays sequence %d, want %d", i, results[i].Original.Sequence, wantSeq)
		}
	}

	// The request results carry id-matched responses.
	if resp := results[0].Response; resp == nil || mcp.IDKey(resp.RawID()) != "1" {
		t.Errorf("result 0 response = %v", resp)
	}
	if resp := results[2].Response; resp == nil || mcp.IDKey(resp.RawID()) != "2" {
		t.Errorf("result 2 response = %v", resp)
	}

	// The notification is fire-and-forget: success, no response.
	if r := results[1]; !r.OK() || r.Response != nil {
		t.Errorf("notification result = %+v", r)
	}
}

// A write failure is captured as a value and replay continues.
func TestReplayWriteFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := newScriptedServer()
	defer func() { _ = server.Close() }()
	server.writeErr = errors.New("pipe broken")

	msgs := []*capture.Envelope{
		envelope(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, 0, capture.ClientToServer),
		envelope(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call"}`, 1, capture.ClientToServer),
	}

	results, err := Run(context.Background(), msgs, server, Options{
		Timeout:       time.Second,
		AutoHandshake: false,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (one bad message must not abort)", len(results))
	}
	for i, r := range results {
		if !strings.HasPrefix(r.Err, "Write failed:") {
			t.Errorf("result %d error = %q, want a write failure", i, r.Err)
		}
		if r.Response != nil {
			t.Errorf("result %d carries a response", i)
		}
	}
}

// Drift detection: a replayed response differing from the captured one
// is flagged; an identical one is not.
func TestReplayDriftDetection(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := newScriptedServer()
	defer func() { _ = server.Close() }()

	server.responses <- message(t, `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`)
	server.responses <- message(t, `{"jsonrpc":"2.0","id":2,"result":{"changed":true}}`)

	req1 := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, 0, capture.ClientToServer)
	resp1 := envelope(t, `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, 1, capture.ServerToClient)
	resp1.CorrelatedID = req1.ID

	req2 := envelope(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call"}`, 2, capture.ClientToServer)
	resp2 := envelope(t, `{"jsonrpc":"2.0","id":2,"result":{"original":true}}`, 3, capture.ServerToClient)
	resp2.CorrelatedID = req2.ID

	results, err := Run(context.Background(), []*capture.Envelope{req1, resp1, req2, resp2}, server, Options{
		Timeout:       time.Second,
		AutoHandshake: false,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Drift {
		t.Error("identical response flagged as drift")
	}
	if !results[1].Drift {
		t.Error("differing response not flagged as drift")
	}
}

func TestPayloadDigestIgnoresFormatting(t *testing.T) {
	a := PayloadDigest([]byte(`{"jsonrpc":"2.0","id":1,"result":{"a":1}}`))
	b := PayloadDigest([]byte(`{ "jsonrpc": "2.0", "id": 1, "result": { "a": 1 } }`))
	if a != b {
		t.Error("formatting-only difference changed the digest")
	}
	c := PayloadDigest([]byte(`{"jsonrpc":"2.0","id":1,"result":{"a":2}}`))
	if a == c {
		t.Error("different payloads share a digest")
	}
}
