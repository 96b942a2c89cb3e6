package capture

import (
	"errors"
	"testing"

	"github.com/tapwire/tapwire/pkg/mcp"
)

func testMessage(t *testing.T, raw string) *mcp.Message {
	t.Helper()
	msg, err := mcp.Wrap([]byte(raw))
	if err != nil {
		t.Fatalf("wrap %q: %v", raw, err)
	}
	return msg
}

func TestStoreAppendAndLookup(t *testing.T) {
	store := NewStore(Info{Transport: TransportStdio})

	e1 := NewEnvelope(testMessage(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`), 0, ClientToServer, TransportStdio)
	e2 := NewEnvelope(testMessage(t, `{"jsonrpc":"2.0","id":1,"result":{}}`), 1, ServerToClient, TransportStdio)

	if err := store.Append(e1); err != nil {
		t.Fatalf("append e1: %v", err)
	}
	if err := store.Append(e2); err != nil {
		t.Fatalf("append e2: %v", err)
	}

	msgs := store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(Messages()) = %d, want 2", len(msgs))
	}
	if msgs[0] != e1 || msgs[1] != e2 {
		t.Error("messages not in capture order")
	}

	got, ok := store.ByID(e2.ID)
	if !ok || got != e2 {
		t.Errorf("ByID(%q) = %v, %v", e2.ID, got, ok)
	}
	if _, ok := store.ByID("missing"); ok {
		t.Error("ByID on unknown id reported found")
	}
}

func TestStoreMessagesReturnsCopy(t *testing.T) {
	store := NewStore(Info{Transport: TransportStdio})
	env := NewEnvelope(testMessage(t, `{"jsonrpc":"2.0","method":"ping"}`), 0, ClientToServer, TransportStdio)
	if err := store.Append(env); err != nil {
		t.Fatal(err)
	}

	msgs := store.Messages()
	msgs[0] = nil
	if got := store.Messages()[0]; got != env {
		t.Error("mutating the returned slice affected the store")
	}
}

func TestStoreAssignsIDAndStart(t *testing.T) {
	store := NewStore(Info{Transport: TransportStdio})
	info := store.Info()
	if info.SessionID == "" {
		t.Error("expected a generated session id")
	}
	if info.StartedAt.IsZero() {
		t.Error("expected a stamped start time")
	}
	if info.StartedAt.Location() != nil && info.StartedAt.Location().String() != "UTC" {
		t.Errorf("start time not UTC: %v", info.StartedAt.Location())
	}
}

func TestEnvelopeModification(t *testing.T) {
	original := testMessage(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	modified := testMessage(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)

	env := NewEnvelope(original, 5, ClientToServer, TransportStdio)
	env.ApplyModification(modified)

	if !env.Modified {
		t.Error("Modified flag not set")
	}
	if env.Message != modified {
		t.Error("Message is not the modified payload")
	}
	if env.Original != original {
		t.Error("Original does not hold the pre-modification payload")
	}
	if env.Sequence != 5 {
		t.Errorf("modification re-sequenced the envelope: %d", env.Sequence)
	}
}

func TestFrozenStoreRejectsAppend(t *testing.T) {
	store := NewStore(Info{Transport: TransportStdio})
	store.frozen = true

	env := NewEnvelope(testMessage(t, `{"jsonrpc":"2.0","method":"ping"}`), 0, ClientToServer, TransportStdio)
	if err := store.Append(env); !errors.Is(err, ErrFrozen) {
		t.Errorf("Append on frozen store = %v, want ErrFrozen", err)
	}
}
