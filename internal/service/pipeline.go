// Package service contains the core pipeline implementation: two
// concurrent forward loops relaying JSON-RPC messages between a
// client-facing and a server-facing transport adapter.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tapwire/tapwire/internal/adapter/metrics"
	"github.com/tapwire/tapwire/internal/ctxkey"
	"github.com/tapwire/tapwire/internal/domain/capture"
	"github.com/tapwire/tapwire/internal/domain/intercept"
	"github.com/tapwire/tapwire/internal/port/transport"
	"github.com/tapwire/tapwire/pkg/mcp"
)

// Callbacks are optional observer hooks fired by the pipeline.
// All hooks are called synchronously from a forward loop and must not
// block; a TUI hands work off to its own event queue.
type Callbacks struct {
	// OnMessage fires after an envelope is captured, before intercept.
	OnMessage func(*capture.Envelope)
	// OnHeld fires when the intercept engine holds an envelope.
	OnHeld func(*intercept.HeldMessage)
	// OnForwarded fires after an envelope reaches its destination.
	OnForwarded func(*capture.Envelope)
}

// Pipeline relays messages bidirectionally between two adapters,
// wrapping each message in an envelope, capturing it to the session
// store, and consulting the intercept engine before forwarding.
//
// The sequence counter and correlation map are shared by both forward
// loops and serialized by a mutex. The correlation map lives for a
// single run; it is keyed by the raw JSON-RPC id token, so integer 1
// and string "1" never correlate. If a client reuses a live id, the
// later request overwrites the entry and the earlier one loses
// correlation — JSON-RPC forbids reuse, no recovery is attempted.
type Pipeline struct {
	store     *capture.Store
	engine    *intercept.Engine
	tr        capture.Transport
	callbacks Callbacks
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu          sync.Mutex
	seq         int
	correlation map[string]string
}

// NewPipeline creates a pipeline bound to a session store and intercept
// engine. metrics may be nil.
func NewPipeline(
	store *capture.Store,
	engine *intercept.Engine,
	tr capture.Transport,
	callbacks Callbacks,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		store:       store,
		engine:      engine,
		tr:          tr,
		callbacks:   callbacks,
		metrics:     m,
		logger:      logger,
		correlation: make(map[string]string),
	}
}

// Run executes both forward loops until either adapter disconnects.
// The loops run under one errgroup scope: when either returns (a read
// or write failed with transport.ErrClosed), the other is cancelled.
// A normal disconnect returns nil; external cancellation returns the
// context error.
func (p *Pipeline) Run(ctx context.Context, client, server transport.Adapter) error {
	logger := ctxkey.LoggerFrom(ctx)
	if logger == nil {
		logger = p.logger
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := p.forwardLoop(gctx, client, server, capture.ClientToServer, logger)
		logger.Debug("client->server loop completed", "error", err)
		return err
	})
	g.Go(func() error {
		err := p.forwardLoop(gctx, server, client, capture.ServerToClient, logger)
		logger.Debug("server->client loop completed", "error", err)
		return err
	})

	err := g.Wait()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrClosed), errors.Is(err, io.EOF):
		// Normal shutdown — one side disconnected.
		return ctx.Err()
	case errors.Is(err, context.Canceled):
		return ctx.Err()
	default:
		return err
	}
}

// forwardLoop moves messages from source to destination until a read
// or write fails. Always returns a non-nil error so the errgroup scope
// cancels the peer loop.
func (p *Pipeline) forwardLoop(
	ctx context.Context,
	source, destination transport.Adapter,
	direction capture.Direction,
	logger *slog.Logger,
) error {
	for {
		msg, err := source.Read(ctx)
		if err != nil {
			return err
		}

		env := p.capture(msg, direction)
		if err := p.store.Append(env); err != nil {
			return fmt.Errorf("capture %s message: %w", direction, err)
		}
		if p.metrics != nil {
			p.metrics.CapturedTotal.WithLabelValues(string(direction)).Inc()
		}
		if p.callbacks.OnMessage != nil {
			p.callbacks.OnMessage(env)
		}

		if p.engine.ShouldHold(env) {
			held := p.engine.Hold(env)
			if p.metrics != nil {
				p.metrics.HeldTotal.Inc()
				p.metrics.HeldMessages.Inc()
			}
			if p.callbacks.OnHeld != nil {
				p.callbacks.OnHeld(held)
			}

			select {
			case <-held.Released():
			case <-ctx.Done():
				// The held record stays in the engine's queue; its
				// rendezvous is garbage once the run unwinds.
				if p.metrics != nil {
					p.metrics.HeldMessages.Dec()
				}
				return ctx.Err()
			}
			if p.metrics != nil {
				p.metrics.HeldMessages.Dec()
			}

			switch held.Action() {
			case intercept.ActionDrop:
				if p.metrics != nil {
					p.metrics.DroppedTotal.Inc()
				}
				logger.Debug("dropped held message",
					"direction", direction,
					"method", env.Method,
					"sequence", env.Sequence,
				)
				continue
			case intercept.ActionModify:
				if modified := held.Modified(); modified != nil {
					env.ApplyModification(modified)
					if p.metrics != nil {
						p.metrics.ModifiedTotal.Inc()
					}
				}
			case intercept.ActionForward:
			}
		}

		if err := destination.Write(ctx, env.Message); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.ForwardedTotal.WithLabelValues(string(direction)).Inc()
			p.metrics.ForwardLatency.WithLabelValues(string(direction)).
				Observe(time.Since(env.Timestamp).Seconds())
		}
		if p.callbacks.OnForwarded != nil {
			p.callbacks.OnForwarded(env)
		}

		logger.Debug("forwarded message",
			"direction", direction,
			"method", env.Method,
			"sequence", env.Sequence,
			"latency_us", time.Since(env.Timestamp).Microseconds(),
		)
	}
}

// capture builds an envelope under the shared lock: draws the next
// sequence number and updates the correlation map. A request inserts
// its id; a response consumes a matching entry on first match.
func (p *Pipeline) capture(msg *mcp.Message, direction capture.Direction) *capture.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	env := capture.NewEnvelope(msg, p.seq, direction, p.tr)
	p.seq++

	if key := mcp.IDKey(env.JSONRPCID); key != "" {
		if msg.IsRequest() {
			p.correlation[key] = env.ID
		} else if msg.IsResponse() {
			if reqID, ok := p.correlation[key]; ok {
				delete(p.correlation, key)
				env.CorrelatedID = reqID
			}
		}
	}
	return env
}
