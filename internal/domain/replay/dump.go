package replay

import (
	"encoding/json"
	"fmt"
	"os"
)

// sessionResultDoc is the JSON form of a SessionResult.
type sessionResultDoc struct {
	TargetCommand *string     `json:"target_command"`
	TargetURL     *string     `json:"target_url"`
	Results       []resultDoc `json:"results"`
}

type resultDoc struct {
	ProxyID    string          `json:"proxy_id"`
	Method     string          `json:"method,omitempty"`
	Sent       json.RawMessage `json:"sent"`
	Response   json.RawMessage `json:"response"`
	Error      *string         `json:"error"`
	DurationMS float64         `json:"duration_ms"`
	Drift      bool            `json:"drift"`
}

// MarshalJSON renders the session result as a stable document with
// payloads embedded verbatim.
func (s *SessionResult) MarshalJSON() ([]byte, error) {
	doc := sessionResultDoc{
		Results: make([]resultDoc, 0, len(s.Results)),
	}
	if s.TargetCommand != "" {
		doc.TargetCommand = &s.TargetCommand
	}
	if s.TargetURL != "" {
		doc.TargetURL = &s.TargetURL
	}
	for _, r := range s.Results {
		rd := resultDoc{
			ProxyID:    r.Original.ID,
			Method:     r.Original.Method,
			Sent:       json.RawMessage(r.Sent.Raw),
			DurationMS: float64(r.Duration.Microseconds()) / 1000,
			Drift:      r.Drift,
		}
		if r.Response != nil {
			rd.Response = json.RawMessage(r.Response.Raw)
		}
		if r.Err != "" {
			errStr := r.Err
			rd.Error = &errStr
		}
		doc.Results = append(doc.Results, rd)
	}
	return json.Marshal(doc)
}

// WriteFile dumps the session result to path as indented JSON.
func (s *SessionResult) WriteFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal replay results: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write replay results: %w", err)
	}
	return nil
}
