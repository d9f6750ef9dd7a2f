package sessions

import (
	"testing"
	"time"

	"github.com/browserlink/mcp-bridge/internal/jsonrpc"
)

func response(id *jsonrpc.RequestID) *jsonrpc.AnyMessage {
	return &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Result: []byte(`{}`), ID: id}
}

func notification(method string) *jsonrpc.AnyMessage {
	return &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method}
}

func TestGetOrCreate(t *testing.T) {
	m := NewManager()

	t.Run("empty id mints a session", func(t *testing.T) {
		tr, created := m.GetOrCreate("", "alice")
		if !created {
			t.Fatal("expected a new session")
		}
		if tr.ID() == "" {
			t.Fatal("expected a minted session id")
		}
		if tr.Instance() != "alice" {
			t.Errorf("instance = %q, want alice", tr.Instance())
		}
	})

	t.Run("known id resumes", func(t *testing.T) {
		tr, _ := m.GetOrCreate("", "alice")
		again, created := m.GetOrCreate(tr.ID(), "alice")
		if created {
			t.Fatal("expected resume, got a new session")
		}
		if again != tr {
			t.Fatal("resumed a different transport")
		}
	})

	t.Run("unknown id mints a fresh session", func(t *testing.T) {
		tr, created := m.GetOrCreate("no-such-session", "alice")
		if !created {
			t.Fatal("expected a new session for an unknown id")
		}
		if tr.ID() == "no-such-session" {
			t.Fatal("client-supplied id must not be adopted")
		}
	})
}

func TestAwaitReplyCompletesWaitingCall(t *testing.T) {
	m := NewManager()
	tr, _ := m.GetOrCreate("", "alice")

	id := jsonrpc.NewNumberID(1)
	reply, release := tr.AwaitReply(id)
	defer release()

	tr.Deliver(response(id))

	select {
	case got := <-reply:
		if got.ID.String() != "1" {
			t.Errorf("reply id = %q, want 1", got.ID.String())
		}
	case <-time.After(time.Second):
		t.Fatal("reply never delivered")
	}
}

func TestDeliverWithoutWaiterFallsThroughToStream(t *testing.T) {
	m := NewManager()
	tr, _ := m.GetOrCreate("", "alice")

	tr.Deliver(response(jsonrpc.NewNumberID(9)))

	select {
	case got := <-tr.Stream():
		if got.ID.String() != "9" {
			t.Errorf("streamed id = %q, want 9", got.ID.String())
		}
	default:
		t.Fatal("unclaimed response not on the stream")
	}
}

func TestReleasedWaiterDoesNotReceive(t *testing.T) {
	m := NewManager()
	tr, _ := m.GetOrCreate("", "alice")

	id := jsonrpc.NewNumberID(2)
	reply, release := tr.AwaitReply(id)
	release()

	tr.Deliver(response(id))

	select {
	case <-reply:
		t.Fatal("released waiter received the reply")
	default:
	}
	select {
	case <-tr.Stream():
	default:
		t.Fatal("reply lost entirely after release")
	}
}

func TestBroadcastScopedToInstance(t *testing.T) {
	m := NewManager()
	a1, _ := m.GetOrCreate("", "alice")
	a2, _ := m.GetOrCreate("", "alice")
	b, _ := m.GetOrCreate("", "bob")

	m.Broadcast("alice", notification("tab_updated"))

	for _, tr := range []*Transport{a1, a2} {
		select {
		case got := <-tr.Stream():
			if got.Method != "tab_updated" {
				t.Errorf("method = %q", got.Method)
			}
		default:
			t.Error("alice session missed the broadcast")
		}
	}

	select {
	case <-b.Stream():
		t.Fatal("broadcast leaked across instances")
	default:
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewManager()
	tr, _ := m.GetOrCreate("", "alice")

	if !m.Close(tr.ID()) {
		t.Fatal("first Close reported no session")
	}
	if m.Close(tr.ID()) {
		t.Fatal("second Close reported a session")
	}
	if m.Close("never-existed") {
		t.Fatal("Close on unknown id reported a session")
	}

	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestStreamOverflowDropsInsteadOfBlocking(t *testing.T) {
	m := NewManager()
	tr, _ := m.GetOrCreate("", "alice")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < streamBuffer+10; i++ {
			tr.Deliver(notification("noise"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver blocked on a full stream")
	}
}
