// Package replay re-sends captured client-to-server messages against a
// live MCP server and records the new responses. It operates outside
// the normal pipeline, injecting messages directly into a server-facing
// adapter and matching responses by JSON-RPC id.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/tapwire/tapwire/internal/domain/capture"
	"github.com/tapwire/tapwire/internal/port/transport"
	"github.com/tapwire/tapwire/pkg/mcp"
)

// HandshakeID is the reserved synthetic request id used by the
// auto-handshake. Real sessions must not use it.
const HandshakeID = "__handshake__"

// DefaultTimeout is the per-message response wait when none is given.
const DefaultTimeout = 10 * time.Second

// Options configure a replay run.
type Options struct {
	// Timeout bounds the wait for each response. Defaults to
	// DefaultTimeout when zero.
	Timeout time.Duration

	// AutoHandshake sends a synthetic initialize exchange when the
	// first replayed message is not an initialize request.
	AutoHandshake bool

	// Logger receives progress at debug level. Nil discards.
	Logger *slog.Logger
}

// Result is the outcome of replaying a single captured message.
// Errors are values: a failed message never aborts the run.
type Result struct {
	// Original is the captured envelope that was replayed.
	Original *capture.Envelope

	// Sent is the message actually written, i.e. the envelope's
	// payload at capture time (post-modification if it was modified).
	Sent *mcp.Message

	// Response is the id-matched server response. Nil for
	// notifications and on timeout or error.
	Response *mcp.Message

	// Err describes the failure, empty on success. Forms:
	// "Timeout after <t>s", "Write failed: …", "Read failed: …".
	Err string

	// Duration is the round-trip time for this message.
	Duration time.Duration

	// ResponseDigest fingerprints the replayed response payload.
	// Zero when there is no response.
	ResponseDigest uint64

	// CapturedDigest fingerprints the response the original session
	// recorded for this request, when one exists. Zero otherwise.
	CapturedDigest uint64

	// Drift is true when both digests are present and differ — the
	// fresh server answered differently than the captured one.
	Drift bool
}

// OK reports whether the message replayed without error.
func (r *Result) OK() bool {
	return r.Err == ""
}

// SessionResult groups the per-message results with the replay target.
type SessionResult struct {
	Results       []Result
	TargetCommand string
	TargetURL     string
}

// Run replays the client-to-server messages of a captured session, in
// capture order, against a connected server-facing adapter. The adapter
// must be fresh: replay owns its read side for the duration of the run.
func Run(ctx context.Context, messages []*capture.Envelope, server transport.Adapter, opts Options) ([]Result, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var c2s []*capture.Envelope
	for _, env := range messages {
		if env.Direction == capture.ClientToServer {
			c2s = append(c2s, env)
		}
	}

	if opts.AutoHandshake && (len(c2s) == 0 || c2s[0].Method != "initialize") {
		if err := sendHandshake(ctx, server, opts.Timeout, logger); err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
	}

	captured := capturedResponses(messages)

	results := make([]Result, 0, len(c2s))
	for _, env := range c2s {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := replaySingle(ctx, env, server, opts.Timeout, logger)
		if resp, ok := captured[env.ID]; ok && res.Response != nil {
			res.CapturedDigest = PayloadDigest(resp.Message.Raw)
			res.Drift = res.CapturedDigest != res.ResponseDigest
		}
		results = append(results, res)
	}
	return results, nil
}

// capturedResponses indexes the session's response envelopes by the
// proxy id of the request they correlate to.
func capturedResponses(messages []*capture.Envelope) map[string]*capture.Envelope {
	out := make(map[string]*capture.Envelope)
	for _, env := range messages {
		if env.CorrelatedID != "" {
			out[env.CorrelatedID] = env
		}
	}
	return out
}

// sendHandshake sends a synthetic initialize request under the reserved
// id, waits best-effort for its response, then sends
// notifications/initialized. A missing or error response is tolerated.
func sendHandshake(ctx context.Context, server transport.Adapter, timeout time.Duration, logger *slog.Logger) error {
	id, err := jsonrpc.MakeID(HandshakeID)
	if err != nil {
		return fmt.Errorf("make handshake id: %w", err)
	}
	params, err := json.Marshal(map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "tapwire-replay", "version": "0.1.0"},
	})
	if err != nil {
		return fmt.Errorf("marshal handshake params: %w", err)
	}

	initReq, err := mcp.FromDecoded(&jsonrpc.Request{ID: id, Method: "initialize", Params: params})
	if err != nil {
		return fmt.Errorf("encode initialize: %w", err)
	}
	if err := server.Write(ctx, initReq); err != nil {
		return fmt.Errorf("write initialize: %w", err)
	}

	if _, err := readMatching(ctx, server, mcp.IDKey(initReq.RawID()), timeout); err != nil {
		logger.Debug("handshake response not received", "error", err)
	}

	initialized, err := mcp.FromDecoded(&jsonrpc.Request{Method: "notifications/initialized"})
	if err != nil {
		return fmt.Errorf("encode initialized: %w", err)
	}
	if err := server.Write(ctx, initialized); err != nil {
		return fmt.Errorf("write initialized: %w", err)
	}
	return nil
}

// replaySingle writes one captured message and, for requests, waits for
// the id-matched response.
func replaySingle(ctx context.Context, env *capture.Envelope, server transport.Adapter, timeout time.Duration, logger *slog.Logger) Result {
	sent := env.Message
	start := time.Now()

	if err := server.Write(ctx, sent); err != nil {
		return Result{
			Original: env,
			Sent:     sent,
			Err:      fmt.Sprintf("Write failed: %v", err),
			Duration: time.Since(start),
		}
	}

	// Notifications are fire-and-forget.
	if sent.IsNotification() {
		return Result{Original: env, Sent: sent, Duration: time.Since(start)}
	}

	resp, err := readMatching(ctx, server, mcp.IDKey(env.JSONRPCID), timeout)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		logger.Debug("replayed message", "method", env.Method, "elapsed_ms", elapsed.Milliseconds())
		return Result{
			Original:       env,
			Sent:           sent,
			Response:       resp,
			Duration:       elapsed,
			ResponseDigest: PayloadDigest(resp.Raw),
		}
	case errors.Is(err, context.DeadlineExceeded):
		return Result{
			Original: env,
			Sent:     sent,
			Err:      fmt.Sprintf("Timeout after %gs", timeout.Seconds()),
			Duration: elapsed,
		}
	default:
		return Result{
			Original: env,
			Sent:     sent,
			Err:      fmt.Sprintf("Read failed: %v", err),
			Duration: elapsed,
		}
	}
}

// readMatching reads from the server until a message whose id token
// equals idKey arrives. Non-matching traffic (server notifications,
// responses to unrelated requests) is dropped on the floor. The wait is
// bounded by timeout.
func readMatching(ctx context.Context, server transport.Adapter, idKey string, timeout time.Duration) (*mcp.Message, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		msg, err := server.Read(readCtx)
		if err != nil {
			return nil, err
		}
		if mcp.IDKey(msg.RawID()) == idKey {
			return msg, nil
		}
	}
}
