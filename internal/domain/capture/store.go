package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrFrozen is returned by Append on a store loaded from disk.
// Only freshly created sessions accept new envelopes.
var ErrFrozen = errors.New("session is frozen")

// Info describes a capture session.
type Info struct {
	// SessionID is the session UUID. Assigned when empty.
	SessionID string
	// Transport is the session transport tag.
	Transport Transport
	// ServerCommand is the target command line for stdio sessions.
	ServerCommand string
	// ServerURL is the target endpoint for network transports.
	ServerURL string
	// Metadata carries arbitrary session annotations.
	Metadata map[string]any
	// StartedAt is the session start instant. Stamped when zero.
	StartedAt time.Time
}

// Store is the ordered capture of all proxied messages in a session,
// with O(1) lookup by proxy id. Appends are safe from both pipeline
// loops concurrently.
type Store struct {
	mu       sync.Mutex
	info     Info
	endedAt  time.Time
	messages []*Envelope
	index    map[string]*Envelope
	frozen   bool
}

// NewStore creates an empty, appendable session store.
func NewStore(info Info) *Store {
	if info.SessionID == "" {
		info.SessionID = uuid.NewString()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	if info.Metadata == nil {
		info.Metadata = map[string]any{}
	}
	return &Store{
		info:  info,
		index: make(map[string]*Envelope),
	}
}

// Info returns the session description.
func (s *Store) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Append adds an envelope to the capture. O(1). Fails with ErrFrozen
// on a store loaded from disk.
func (s *Store) Append(env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.messages = append(s.messages, env)
	s.index[env.ID] = env
	return nil
}

// Messages returns all captured envelopes in capture order.
// The slice is a copy; the envelopes are shared.
func (s *Store) Messages() []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Envelope, len(s.messages))
	copy(out, s.messages)
	return out
}

// ByID looks up an envelope by its proxy-assigned id.
func (s *Store) ByID(proxyID string) (*Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.index[proxyID]
	return env, ok
}

// Len returns the number of captured envelopes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Frozen reports whether the store was loaded from disk.
func (s *Store) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// MarkEnded stamps the session end time, recorded on the next Save.
func (s *Store) MarkEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedAt = time.Now().UTC()
}
