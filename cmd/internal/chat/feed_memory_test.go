package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()

	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event on %q", sub.Topic())
		return Event{}
	}
}

func TestBroker_PublishOrderPerTopic(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	defer func() { _ = b.Close() }()

	sub, err := b.Subscribe(ConversationTopic("c1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		ev := Event{Kind: EventMessageInserted, ConversationID: "c1", Message: &Message{ID: string(rune('a' + i))}}
		if err := b.Publish(ctx, ConversationTopic("c1"), ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i := 0; i < 10; i++ {
		ev := recvEvent(t, sub)
		if want := string(rune('a' + i)); ev.Message.ID != want {
			t.Fatalf("event %d out of order: got %q want %q", i, ev.Message.ID, want)
		}
	}
}

func TestBroker_TopicsAreIsolated(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	defer func() { _ = b.Close() }()

	convSub, err := b.Subscribe(ConversationTopic("c1"))
	if err != nil {
		t.Fatalf("subscribe conv: %v", err)
	}
	defer convSub.Close()

	rosterSub, err := b.Subscribe(TopicRoster)
	if err != nil {
		t.Fatalf("subscribe roster: %v", err)
	}
	defer rosterSub.Close()

	ctx := context.Background()
	if err := b.Publish(ctx, TopicRoster, Event{Kind: EventConversationCreated, ConversationID: "c2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ev := recvEvent(t, rosterSub)
	if ev.Kind != EventConversationCreated {
		t.Fatalf("unexpected kind: %v", ev.Kind)
	}

	select {
	case ev := <-convSub.Events():
		t.Fatalf("conversation topic received roster event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger(), WithBrokerBuffer(2))
	defer func() { _ = b.Close() }()

	sub, err := b.Subscribe(TopicRoster)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for i := 0; i < 100; i++ {
			_ = b.Publish(ctx, TopicRoster, Event{Kind: EventReadStateChanged, ConversationID: "c1"})
		}
	}()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBroker_CloseCancelsSubscriptions(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub, err := b.Subscribe(TopicRoster)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not cancelled by broker close")
	}

	if _, err := b.Subscribe(TopicRoster); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := b.Publish(context.Background(), TopicRoster, Event{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed publish after close, got %v", err)
	}
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	defer func() { _ = b.Close() }()

	sub, err := b.Subscribe(TopicRoster)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sub.Close()
	sub.Close()

	// Events published after close are dropped, not delivered.
	if err := b.Publish(context.Background(), TopicRoster, Event{Kind: EventConversationCreated}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("closed subscription received event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
