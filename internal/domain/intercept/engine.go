// Package intercept implements the hold/release engine for the message
// pipeline. In intercept mode, messages park on a one-shot rendezvous
// until an external actor decides to forward, modify, or drop them.
package intercept

import (
	"log/slog"
	"sync"

	"github.com/tapwire/tapwire/internal/domain/capture"
	"github.com/tapwire/tapwire/pkg/mcp"
)

// Mode is the operating mode of the intercept engine.
type Mode string

const (
	// ModePassthrough forwards messages without holding.
	ModePassthrough Mode = "passthrough"
	// ModeIntercept holds messages for inspection before forwarding.
	ModeIntercept Mode = "intercept"
)

// Action is the decision taken on a held message.
type Action string

const (
	// ActionForward sends the message on unchanged.
	ActionForward Action = "forward"
	// ActionModify sends the message on with a rewritten payload.
	ActionModify Action = "modify"
	// ActionDrop discards the message without forwarding.
	ActionDrop Action = "drop"
)

// HeldMessage pairs an envelope with its release rendezvous. The
// forward loop parks on Released(); the releaser stamps the action and
// signals. Action and Modified may only be read after the rendezvous
// fires.
type HeldMessage struct {
	// Envelope is the captured message awaiting a decision.
	Envelope *capture.Envelope

	released chan struct{}
	action   Action
	modified *mcp.Message
}

// Released returns the rendezvous channel, closed exactly once when
// the message is released.
func (h *HeldMessage) Released() <-chan struct{} {
	return h.released
}

// Action returns the release decision. Valid only after Released() fires.
func (h *HeldMessage) Action() Action {
	return h.action
}

// Modified returns the rewritten payload for ActionModify releases,
// nil otherwise. Valid only after Released() fires.
func (h *HeldMessage) Modified() *mcp.Message {
	return h.modified
}

// State is a snapshot of the engine for observers.
type State struct {
	Mode Mode
	Held []*HeldMessage
}

// Engine controls whether messages are held for inspection or passed
// through, and tracks the held queue. Safe for concurrent use by both
// pipeline loops and an external releaser.
type Engine struct {
	mu     sync.Mutex
	mode   Mode
	held   []*HeldMessage
	rule   *Rule
	logger *slog.Logger
}

// NewEngine creates an engine in the given initial mode.
func NewEngine(mode Mode, logger *slog.Logger) *Engine {
	if mode == "" {
		mode = ModePassthrough
	}
	return &Engine{mode: mode, logger: logger}
}

// SetRule installs a hold predicate evaluated in intercept mode.
// A nil rule holds every message.
func (e *Engine) SetRule(rule *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rule = rule
}

// Mode returns the current intercept mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetMode changes the intercept mode. Switching to passthrough drains
// the held queue, releasing every entry with ActionForward — the user
// disabled gating, so pending traffic resumes.
func (e *Engine) SetMode(mode Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	if mode == ModePassthrough {
		for _, held := range e.held {
			held.action = ActionForward
			close(held.released)
		}
		e.held = nil
	}
}

// ShouldHold reports whether the envelope should be held. True iff the
// engine is in intercept mode and the hold rule (when set) matches.
// Rule evaluation errors fail toward holding, so a broken rule never
// lets traffic slip past inspection.
func (e *Engine) ShouldHold(env *capture.Envelope) bool {
	e.mu.Lock()
	mode, rule := e.mode, e.rule
	e.mu.Unlock()

	if mode != ModeIntercept {
		return false
	}
	if rule == nil {
		return true
	}
	match, err := rule.Matches(env)
	if err != nil {
		e.logger.Warn("intercept rule evaluation failed, holding message",
			"rule", rule.Expression(),
			"error", err,
		)
		return true
	}
	return match
}

// Hold appends a held record with a fresh unsignalled rendezvous.
func (e *Engine) Hold(env *capture.Envelope) *HeldMessage {
	held := &HeldMessage{
		Envelope: env,
		released: make(chan struct{}),
	}
	e.mu.Lock()
	e.held = append(e.held, held)
	e.mu.Unlock()
	return held
}

// Release stamps the action (and modified payload for ActionModify),
// removes the record from the held queue, and fires the rendezvous.
// A record already drained by a mode switch is left untouched, so a
// racing Release is a no-op rather than a double signal.
func (e *Engine) Release(held *HeldMessage, action Action, modified *mcp.Message) {
	e.mu.Lock()
	found := false
	for i, h := range e.held {
		if h == held {
			e.held = append(e.held[:i], e.held[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		e.mu.Unlock()
		return
	}
	held.action = action
	held.modified = modified
	e.mu.Unlock()
	close(held.released)
}

// Held returns a snapshot copy of the held queue.
func (e *Engine) Held() []*HeldMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*HeldMessage, len(e.held))
	copy(out, e.held)
	return out
}

// State returns a snapshot of mode and held queue.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	held := make([]*HeldMessage, len(e.held))
	copy(held, e.held)
	return State{Mode: e.mode, Held: held}
}
