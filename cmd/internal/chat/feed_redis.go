package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// redisChannelPrefix namespaces Prochat topics inside a shared Redis.
const redisChannelPrefix = "prochat.feed."

// RedisFeed is a Feed backed by Redis pub/sub, for deployments where the
// store and its readers run in different processes. Events published by any
// instance reach subscribers on every instance.
//
// Redis pub/sub is at-most-once across a dropped connection; go-redis
// reconnects transparently and consumers repair gaps by refetching, which is
// exactly the FeedError contract.
type RedisFeed struct {
	log    *slog.Logger
	client *redis.Client
	buffer int

	mu     sync.Mutex
	pumps  map[*Subscription]*redis.PubSub
	closed bool
}

// NewRedisFeed constructs a Redis-backed change feed.
func NewRedisFeed(log *slog.Logger, client *redis.Client) (*RedisFeed, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrValidation)
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisFeed{
		log:    log,
		client: client,
		buffer: 64,
		pumps:  make(map[*Subscription]*redis.PubSub),
	}, nil
}

// Subscribe opens a Redis subscription on topic and pumps decoded events into
// the returned Subscription.
func (f *RedisFeed) Subscribe(topic string) (*Subscription, error) {
	if topic == "" {
		return nil, ErrValidation
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	pubsub := f.client.Subscribe(context.Background(), redisChannelPrefix+topic)

	var sub *Subscription
	sub = newSubscription(topic, f.buffer, func() {
		_ = pubsub.Close()
		f.mu.Lock()
		delete(f.pumps, sub)
		f.mu.Unlock()
	})
	f.pumps[sub] = pubsub

	go f.pump(sub, pubsub)
	return sub, nil
}

// Publish marshals ev and publishes it on the topic channel.
func (f *RedisFeed) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", ErrFeed, err)
	}
	if err := f.client.Publish(ctx, redisChannelPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrFeed, err)
	}
	feedEventsDelivered.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Close cancels all subscriptions. The redis client is owned by the caller.
func (f *RedisFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	subs := make([]*Subscription, 0, len(f.pumps))
	for sub := range f.pumps {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (f *RedisFeed) pump(sub *Subscription, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-sub.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				f.log.Warn("feed.redis.decode.fail", "topic", sub.Topic(), "err", err)
				continue
			}
			if !sub.deliver(ev) {
				feedEventsDropped.Inc()
				f.log.Warn("feed.deliver.drop", "topic", sub.Topic(), "kind", ev.Kind)
			}
		}
	}
}
