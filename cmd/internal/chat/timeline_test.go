package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustOpenTimeline(t *testing.T, store ConversationStore, feed Feed, profiles ProfileResolver, viewer, convID string) *Timeline {
	t.Helper()

	tl, err := OpenTimeline(context.Background(), testLogger(), store, feed, profiles, viewer, convID)
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	t.Cleanup(tl.Close)
	return tl
}

func TestTimeline_OpenMergesHistoryInOrder(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	conv := mustCreateRoom(t, store, "general", "alice")
	mustAppend(t, store, conv.ID, "alice", "first")
	mustAppend(t, store, conv.ID, "bob", "second")
	mustAppend(t, store, conv.ID, "alice", "third")

	profiles := NewStaticProfiles(Profile{UserID: "alice", DisplayName: "Alice"})
	tl := mustOpenTimeline(t, store, broker, profiles, "alice", conv.ID)

	if tl.State() != TimelineLive {
		t.Fatalf("expected live state, got %v", tl.State())
	}

	entries := tl.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"first", "second", "third"} {
		if entries[i].Content != want {
			t.Fatalf("entry %d: got %q want %q", i, entries[i].Content, want)
		}
	}

	if entries[0].Sender.DisplayName != "Alice" {
		t.Fatalf("resolved sender lost: %q", entries[0].Sender.DisplayName)
	}
	// Unresolvable senders degrade to a derived label, never break the view.
	if entries[1].Sender.DisplayName != "user-bob" {
		t.Fatalf("expected fallback label for bob, got %q", entries[1].Sender.DisplayName)
	}
}

func TestTimeline_SendConfirmsOptimisticEntry(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	conv := mustCreateDirect(t, store, "alice", "bob")
	tl := mustOpenTimeline(t, store, broker, nil, "alice", conv.ID)

	entry, err := tl.Send(context.Background(), "  hello bob  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !entry.Pending || !IsTempID(entry.ID) {
		t.Fatalf("expected pending temp entry, got %+v", entry)
	}
	if entry.Content != "hello bob" {
		t.Fatalf("content not trimmed: %q", entry.Content)
	}

	// The confirmation arrives on the feed and replaces the optimistic entry.
	waitUntil(t, 2*time.Second, "optimistic entry confirmed", func() bool {
		entries := tl.Snapshot()
		return len(entries) == 1 && !entries[0].Pending && !IsTempID(entries[0].ID)
	})

	final := tl.Snapshot()[0]
	if final.Content != "hello bob" || final.SenderID != "alice" {
		t.Fatalf("confirmed entry mismatch: %+v", final)
	}
	if final.ClientTag != entry.ID {
		t.Fatalf("client tag did not round-trip: %q vs %q", final.ClientTag, entry.ID)
	}
}

func TestTimeline_DuplicateEventsAbsorbed(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	conv := mustCreateRoom(t, store, "general", "alice")
	tl := mustOpenTimeline(t, store, broker, nil, "alice", conv.ID)

	msg := Message{
		ID:             "01MSGDUPLICATE000000000000",
		ConversationID: conv.ID,
		SenderID:       "bob",
		Content:        "once",
		CreatedAt:      time.Now().UTC(),
	}
	ev := Event{Kind: EventMessageInserted, ConversationID: conv.ID, Message: &msg, At: msg.CreatedAt}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := broker.Publish(ctx, ConversationTopic(conv.ID), ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	waitUntil(t, 2*time.Second, "event applied", func() bool {
		return len(tl.Snapshot()) >= 1
	})
	// Give the remaining duplicates time to land.
	time.Sleep(50 * time.Millisecond)

	if got := len(tl.Snapshot()); got != 1 {
		t.Fatalf("duplicates leaked: %d entries", got)
	}
}

func TestTimeline_UntaggedConfirmationsResolveFIFO(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	// The store publishes nothing; confirmations are injected by hand without
	// client tags to force the fallback matcher.
	store := NewInMemoryStore(testLogger(), nil)

	conv := mustCreateRoom(t, store, "general", "alice")
	tl := mustOpenTimeline(t, store, broker, nil, "alice", conv.ID)

	ctx := context.Background()
	first, err := tl.Send(ctx, "same text")
	if err != nil {
		t.Fatalf("send 1: %v", err)
	}
	second, err := tl.Send(ctx, "same text")
	if err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("temp ids collided")
	}

	base := time.Now().UTC()
	for i := 0; i < 2; i++ {
		msg := Message{
			ID:             fmt.Sprintf("01CONFIRMED%015d", i),
			ConversationID: conv.ID,
			SenderID:       "alice",
			Content:        "same text",
			CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := broker.Publish(ctx, ConversationTopic(conv.ID), Event{
			Kind: EventMessageInserted, ConversationID: conv.ID, Message: &msg, At: msg.CreatedAt,
		}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	waitUntil(t, 2*time.Second, "both pendings confirmed", func() bool {
		entries := tl.Snapshot()
		if len(entries) != 2 {
			return false
		}
		return !entries[0].Pending && !entries[1].Pending
	})
}

func TestTimeline_SendFailureRollsBack(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	inner := NewInMemoryStore(testLogger(), nil)
	conv := mustCreateRoom(t, inner, "general", "alice")

	store := &failingAppendStore{ConversationStore: inner}
	tl := mustOpenTimeline(t, store, broker, nil, "alice", conv.ID)

	_, err := tl.Send(context.Background(), "doomed")
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}

	// The optimistic entry must be gone; the caller keeps the content.
	if got := len(tl.Snapshot()); got != 0 {
		t.Fatalf("rolled-back entry still visible: %d entries", got)
	}
}

type failingAppendStore struct {
	ConversationStore
}

func (s *failingAppendStore) Append(context.Context, AppendInput) (Message, error) {
	return Message{}, fmt.Errorf("%w: backend down", ErrStorage)
}

func TestTimeline_CloseDiscardsLateEvents(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	conv := mustCreateRoom(t, store, "general", "alice")
	tl := mustOpenTimeline(t, store, broker, nil, "alice", conv.ID)

	tl.Close()
	if tl.State() != TimelineClosed {
		t.Fatalf("expected closed state, got %v", tl.State())
	}

	select {
	case <-tl.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}

	mustAppend(t, store, conv.ID, "alice", "after close")
	time.Sleep(50 * time.Millisecond)

	if got := len(tl.Snapshot()); got != 0 {
		t.Fatalf("closed timeline absorbed a late event: %d entries", got)
	}

	// Idempotent.
	tl.Close()

	if _, err := tl.Send(context.Background(), "nope"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTimeline_ResyncRepairsGapsAndKeepsUnconfirmed(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	// Appends commit but never echo on the feed (dropped-event simulation);
	// the tag is stripped so the commit cannot be linked back either.
	inner := NewInMemoryStore(testLogger(), nil)
	conv := mustCreateRoom(t, inner, "general", "alice")
	store := &tagStrippingStore{ConversationStore: inner}

	tl := mustOpenTimeline(t, store, broker, nil, "alice", conv.ID)

	if _, err := tl.Send(context.Background(), "lost in transit"); err != nil {
		t.Fatalf("send: %v", err)
	}
	// Another client's message the feed never delivered.
	mustAppend(t, inner, conv.ID, "bob", "missed")

	if err := tl.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}

	entries := tl.Snapshot()
	var pending, confirmed int
	for _, e := range entries {
		if e.Pending {
			pending++
		} else {
			confirmed++
		}
	}
	// Two committed rows from history, and the still-unlinkable optimistic
	// entry survives the resync.
	if confirmed != 2 || pending != 1 {
		t.Fatalf("resync result: confirmed=%d pending=%d entries=%+v", confirmed, pending, entries)
	}

	tl.Close()
	if err := tl.Resync(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

type tagStrippingStore struct {
	ConversationStore
}

func (s *tagStrippingStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	in.ClientTag = ""
	return s.ConversationStore.Append(ctx, in)
}

func TestTimeline_OpenUnknownConversation(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)

	_, err := OpenTimeline(context.Background(), testLogger(), store, broker, nil, "alice", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTimeline_AbandonedOpenClosesSubscription(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()
	store := NewInMemoryStore(testLogger(), broker)
	conv := mustCreateRoom(t, store, "general", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := OpenTimeline(ctx, testLogger(), store, broker, nil, "alice", conv.ID); err == nil {
		t.Fatal("expected error opening with a cancelled context")
	}
}
