package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tapwire/tapwire/pkg/mcp"
)

// sessionDoc is the on-disk session document: one pretty-printed JSON
// object per file. Unknown fields in older or newer documents are
// ignored on load.
type sessionDoc struct {
	ID            string         `json:"id"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at"`
	Transport     Transport      `json:"transport"`
	ServerCommand *string        `json:"server_command"`
	ServerURL     *string        `json:"server_url"`
	Metadata      map[string]any `json:"metadata"`
	Messages      []messageDoc   `json:"messages"`
}

type messageDoc struct {
	ProxyID         string          `json:"proxy_id"`
	Sequence        int             `json:"sequence"`
	Timestamp       time.Time       `json:"timestamp"`
	Direction       Direction       `json:"direction"`
	Transport       Transport       `json:"transport"`
	JSONRPCID       json.RawMessage `json:"jsonrpc_id"`
	Method          *string         `json:"method"`
	CorrelatedID    *string         `json:"correlated_id"`
	Modified        bool            `json:"modified"`
	Payload         json.RawMessage `json:"payload"`
	OriginalPayload json.RawMessage `json:"original_payload,omitempty"`
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Save writes the session document atomically: parent directories are
// created, the document is written to a temp file, fsynced, and renamed
// over the target. An existing file is untouched on failure.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	doc := sessionDoc{
		ID:            s.info.SessionID,
		StartedAt:     s.info.StartedAt,
		Transport:     s.info.Transport,
		ServerCommand: optStr(s.info.ServerCommand),
		ServerURL:     optStr(s.info.ServerURL),
		Metadata:      s.info.Metadata,
		Messages:      make([]messageDoc, 0, len(s.messages)),
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		doc.EndedAt = &ended
	}
	for _, env := range s.messages {
		md := messageDoc{
			ProxyID:      env.ID,
			Sequence:     env.Sequence,
			Timestamp:    env.Timestamp,
			Direction:    env.Direction,
			Transport:    env.Transport,
			JSONRPCID:    env.JSONRPCID,
			Method:       optStr(env.Method),
			CorrelatedID: optStr(env.CorrelatedID),
			Modified:     env.Modified,
			Payload:      json.RawMessage(env.Message.Raw),
		}
		if env.Original != nil {
			md.OriginalPayload = json.RawMessage(env.Original.Raw)
		}
		doc.Messages = append(doc.Messages, md)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session directory: %w", err)
		}
	}
	return writeAtomic(path, data)
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to session file: %w", err)
	}
	return nil
}

// Load reads a session document from disk. The returned store is
// frozen: lookups and replay are permitted, appends are not. Payloads
// are restored in compact JSON form.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var doc sessionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}

	store := NewStore(Info{
		SessionID:     doc.ID,
		Transport:     doc.Transport,
		ServerCommand: derefStr(doc.ServerCommand),
		ServerURL:     derefStr(doc.ServerURL),
		Metadata:      doc.Metadata,
		StartedAt:     doc.StartedAt.UTC(),
	})
	if doc.EndedAt != nil {
		store.endedAt = doc.EndedAt.UTC()
	}

	for i, md := range doc.Messages {
		// Save indents the embedded payloads along with the document;
		// compact them back to the single-line wire form.
		var payload bytes.Buffer
		if err := json.Compact(&payload, md.Payload); err != nil {
			return nil, fmt.Errorf("parse payload of message %d: %w", i, err)
		}
		msg, err := mcp.Wrap(payload.Bytes())
		if err != nil {
			return nil, fmt.Errorf("parse payload of message %d: %w", i, err)
		}
		// A notification's id is written as JSON null; unmarshaling
		// into a RawMessage keeps the literal token, so fold it back
		// to the absent form.
		if bytes.Equal(md.JSONRPCID, []byte("null")) {
			md.JSONRPCID = nil
		}
		env := &Envelope{
			ID:           md.ProxyID,
			Sequence:     md.Sequence,
			Timestamp:    md.Timestamp.UTC(),
			Direction:    md.Direction,
			Transport:    md.Transport,
			Message:      msg,
			JSONRPCID:    md.JSONRPCID,
			Method:       derefStr(md.Method),
			CorrelatedID: derefStr(md.CorrelatedID),
			Modified:     md.Modified,
		}
		if len(md.OriginalPayload) > 0 {
			var origPayload bytes.Buffer
			if err := json.Compact(&origPayload, md.OriginalPayload); err != nil {
				return nil, fmt.Errorf("parse original payload of message %d: %w", i, err)
			}
			orig, err := mcp.Wrap(origPayload.Bytes())
			if err != nil {
				return nil, fmt.Errorf("parse original payload of message %d: %w", i, err)
			}
			env.Original = orig
		}
		if err := store.Append(env); err != nil {
			return nil, err
		}
	}

	store.mu.Lock()
	store.frozen = true
	store.mu.Unlock()
	return store, nil
}
