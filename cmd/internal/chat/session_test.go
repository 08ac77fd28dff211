package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustNewSession(t *testing.T, store ConversationStore, feed Feed, viewer string) *Session {
	t.Helper()

	s, err := NewSession(context.Background(), SessionConfig{
		Log:            testLogger(),
		Store:          store,
		Feed:           feed,
		RosterDebounce: testDebounce,
	}, viewer)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSession_SwitchClosesPreviousTimeline(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	roomX := mustCreateRoom(t, store, "x", "alice")
	roomY := mustCreateRoom(t, store, "y", "alice")

	s := mustNewSession(t, store, broker, "alice")

	first, err := s.OpenConversation(context.Background(), roomX.ID)
	if err != nil {
		t.Fatalf("open x: %v", err)
	}

	second, err := s.OpenConversation(context.Background(), roomY.ID)
	if err != nil {
		t.Fatalf("open y: %v", err)
	}

	// Exactly one live view: switching tore the previous one down.
	if first.State() != TimelineClosed {
		t.Fatalf("previous timeline still %v", first.State())
	}
	if second.State() != TimelineLive {
		t.Fatalf("new timeline not live: %v", second.State())
	}
	if got := s.Timeline(); got != second {
		t.Fatalf("session tracks the wrong timeline")
	}

	// A message into the abandoned room never reaches the stale view.
	mustAppend(t, store, roomX.ID, "alice", "late")
	time.Sleep(50 * time.Millisecond)
	if got := len(first.Snapshot()); got != 0 {
		t.Fatalf("closed timeline absorbed events: %d", got)
	}
}

func TestSession_OpenMarksRead(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	direct := mustCreateDirect(t, store, "alice", "bob")
	mustAppend(t, store, direct.ID, "bob", "waiting for alice")

	s := mustNewSession(t, store, broker, "alice")

	n, err := s.UnreadCount(context.Background(), direct.ID)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 unread before open, got %d", n)
	}

	if _, err := s.OpenConversation(context.Background(), direct.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	n, err = s.UnreadCount(context.Background(), direct.ID)
	if err != nil {
		t.Fatalf("unread after open: %v", err)
	}
	if n != 0 {
		t.Fatalf("opening did not mark read: %d unread", n)
	}
}

func TestSession_SendRequiresOpenConversation(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)
	mustCreateRoom(t, store, "general", "alice")

	s := mustNewSession(t, store, broker, "alice")

	if _, err := s.Send(context.Background(), "into the void"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSession_SendAndCloseConversation(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	room := mustCreateRoom(t, store, "general", "alice")
	s := mustNewSession(t, store, broker, "alice")

	tl, err := s.OpenConversation(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	entry, err := s.Send(context.Background(), "hello room")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !entry.Pending {
		t.Fatalf("expected optimistic entry, got %+v", entry)
	}

	waitUntil(t, 2*time.Second, "send confirmed", func() bool {
		entries := tl.Snapshot()
		return len(entries) == 1 && !entries[0].Pending
	})

	s.CloseConversation()
	if s.Timeline() != nil {
		t.Fatalf("timeline survived close")
	}
	if tl.State() != TimelineClosed {
		t.Fatalf("timeline not closed: %v", tl.State())
	}
}

func TestSession_CloseIsTerminal(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)
	room := mustCreateRoom(t, store, "general", "alice")

	s := mustNewSession(t, store, broker, "alice")
	s.Close()
	s.Close()

	if _, err := s.OpenConversation(context.Background(), room.ID); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSession_RosterUpdatesSignal(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	direct := mustCreateDirect(t, store, "alice", "bob")
	s := mustNewSession(t, store, broker, "alice")

	// Drain the initial signal, if any.
	select {
	case <-s.RosterUpdates():
	default:
	}

	mustAppend(t, store, direct.ID, "bob", "ping")

	select {
	case <-s.RosterUpdates():
	case <-time.After(2 * time.Second):
		t.Fatal("no roster update after new message")
	}

	waitUntil(t, 2*time.Second, "summary reflects message", func() bool {
		row, ok := findSummary(s.Summaries(), direct.ID)
		return ok && row.Preview == "ping" && row.Unread == 1
	})
}
