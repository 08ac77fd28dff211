package chat

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Runs only when PROCHAT_REDIS_ADDR points at a reachable Redis.
func mustOpenTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("PROCHAT_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: PROCHAT_REDIS_ADDR is not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("ping redis: %v", err)
	}

	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisFeed_PublishSubscribeRoundTrip(t *testing.T) {
	t.Parallel()

	client := mustOpenTestRedis(t)

	feed, err := NewRedisFeed(testLogger(), client)
	if err != nil {
		t.Fatalf("new redis feed: %v", err)
	}
	defer func() { _ = feed.Close() }()

	topic := ConversationTopic("it-" + NewRandomHex(6))
	sub, err := feed.Subscribe(topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Redis subscriptions attach asynchronously; retry the publish until the
	// round trip lands or the deadline passes.
	want := Event{
		Kind:           EventMessageInserted,
		ConversationID: "it-conv",
		Message: &Message{
			ID:             "01ITREDIS00000000000000000",
			ConversationID: "it-conv",
			SenderID:       "alice",
			Content:        "over redis",
			ClientTag:      "temp-it",
			CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		},
		At: time.Now().UTC().Truncate(time.Millisecond),
	}

	got := make(chan Event, 1)
	go func() {
		select {
		case ev := <-sub.Events():
			got <- ev
		case <-ctx.Done():
		}
	}()

	deadline := time.Now().Add(8 * time.Second)
	for {
		if err := feed.Publish(ctx, topic, want); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case ev := <-got:
			if ev.Kind != want.Kind || ev.Message == nil || ev.Message.ID != want.Message.ID {
				t.Fatalf("event mismatch: %+v", ev)
			}
			if ev.Message.Content != "over redis" || ev.Message.ClientTag != "temp-it" {
				t.Fatalf("message fields lost in transit: %+v", ev.Message)
			}
			return
		case <-time.After(200 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for redis round trip")
			}
		}
	}
}

func TestRedisFeed_CloseCancelsSubscriptions(t *testing.T) {
	t.Parallel()

	client := mustOpenTestRedis(t)

	feed, err := NewRedisFeed(testLogger(), client)
	if err != nil {
		t.Fatalf("new redis feed: %v", err)
	}

	sub, err := feed.Subscribe(TopicRoster)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := feed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not cancelled by feed close")
	}

	if _, err := feed.Subscribe(TopicRoster); err == nil {
		t.Fatal("expected subscribe to fail after close")
	}
}
