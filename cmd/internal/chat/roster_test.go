package chat

import (
	"context"
	"testing"
	"time"
)

const testDebounce = 10 * time.Millisecond

func mustStartRoster(t *testing.T, store ConversationStore, feed Feed, profiles ProfileResolver, viewer string) *Roster {
	t.Helper()

	tracker := NewReadTracker(testLogger(), store)
	r, err := StartRoster(context.Background(), testLogger(), store, feed, tracker, profiles, viewer, testDebounce)
	if err != nil {
		t.Fatalf("start roster: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func findSummary(summaries []Summary, convID string) (Summary, bool) {
	for _, s := range summaries {
		if s.ConversationID == convID {
			return s, true
		}
	}
	return Summary{}, false
}

func TestRoster_InitialListWithTitlesAndUnread(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	room := mustCreateRoom(t, store, "general", "alice")
	direct := mustCreateDirect(t, store, "alice", "bob")

	mustAppend(t, store, room.ID, "bob", "room hello")
	mustAppend(t, store, direct.ID, "bob", "direct hello")

	profiles := NewStaticProfiles(Profile{UserID: "bob", DisplayName: "Bob"})
	r := mustStartRoster(t, store, broker, profiles, "alice")

	summaries := r.Summaries()
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}

	roomRow, ok := findSummary(summaries, room.ID)
	if !ok {
		t.Fatalf("room missing from roster")
	}
	if roomRow.Title != "general" || roomRow.Preview != "room hello" || roomRow.Unread != 1 {
		t.Fatalf("room row: %+v", roomRow)
	}

	directRow, ok := findSummary(summaries, direct.ID)
	if !ok {
		t.Fatalf("direct missing from roster")
	}
	if directRow.Title != "Bob" {
		t.Fatalf("direct title should be the peer's name, got %q", directRow.Title)
	}
	if directRow.Peer == nil || directRow.Peer.UserID != "bob" {
		t.Fatalf("direct peer: %+v", directRow.Peer)
	}
	if directRow.Unread != 1 {
		t.Fatalf("direct unread: %d", directRow.Unread)
	}
}

func TestRoster_UnresolvedPeerFallsBack(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)
	direct := mustCreateDirect(t, store, "alice", "ghost123456")

	r := mustStartRoster(t, store, broker, nil, "alice")

	row, ok := findSummary(r.Summaries(), direct.ID)
	if !ok {
		t.Fatalf("direct missing from roster")
	}
	// The conversation stays listed under a derived label.
	if row.Title != "user-ghost1234" {
		t.Fatalf("expected fallback title, got %q", row.Title)
	}
}

func TestRoster_ConvergesAfterEventBurst(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	direct := mustCreateDirect(t, store, "alice", "bob")
	r := mustStartRoster(t, store, broker, nil, "alice")

	// A burst of messages: many feed events, but the roster only needs to end
	// up at the converged state.
	for i := 0; i < 10; i++ {
		mustAppend(t, store, direct.ID, "bob", "spam")
	}

	waitUntil(t, 2*time.Second, "roster converged on unread=10", func() bool {
		row, ok := findSummary(r.Summaries(), direct.ID)
		return ok && row.Unread == 10 && row.Preview == "spam"
	})
}

func TestRoster_ReadStateEventUpdatesUnread(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)
	tracker := NewReadTracker(testLogger(), store)

	direct := mustCreateDirect(t, store, "alice", "bob")
	mustAppend(t, store, direct.ID, "bob", "unread for alice")

	r := mustStartRoster(t, store, broker, nil, "alice")

	waitUntil(t, 2*time.Second, "unread=1", func() bool {
		row, ok := findSummary(r.Summaries(), direct.ID)
		return ok && row.Unread == 1
	})

	// Alice reads the conversation; her own read-state event drives the list
	// back to zero without any explicit refresh call.
	if err := tracker.MarkRead(context.Background(), "alice", direct.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	waitUntil(t, 2*time.Second, "unread=0", func() bool {
		row, ok := findSummary(r.Summaries(), direct.ID)
		return ok && row.Unread == 0
	})
}

func TestRoster_SortedByRecency(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	first := mustCreateRoom(t, store, "old", "alice")
	second := mustCreateRoom(t, store, "new", "alice")

	mustAppend(t, store, first.ID, "alice", "older")
	mustAppend(t, store, second.ID, "alice", "newer")

	r := mustStartRoster(t, store, broker, nil, "alice")

	summaries := r.Summaries()
	if len(summaries) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(summaries))
	}
	if summaries[0].ConversationID != second.ID {
		t.Fatalf("expected most recent first, got %q", summaries[0].ConversationID)
	}

	// New activity in the older room moves it to the top.
	mustAppend(t, store, first.ID, "alice", "bump")
	waitUntil(t, 2*time.Second, "older room bumped to top", func() bool {
		s := r.Summaries()
		return len(s) == 2 && s[0].ConversationID == first.ID
	})
}

func TestRoster_DeletedConversationDisappears(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	room := mustCreateRoom(t, store, "doomed", "alice")
	r := mustStartRoster(t, store, broker, nil, "alice")

	if _, ok := findSummary(r.Summaries(), room.ID); !ok {
		t.Fatalf("room missing before delete")
	}

	if err := store.DeleteConversation(context.Background(), room.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	waitUntil(t, 2*time.Second, "room removed from roster", func() bool {
		_, ok := findSummary(r.Summaries(), room.ID)
		return !ok
	})
}
