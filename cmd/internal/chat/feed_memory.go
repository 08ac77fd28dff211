package chat

import (
	"context"
	"log/slog"
	"sync"
)

// Broker is the in-process Feed implementation.
//
// Concurrency guarantees:
//   - Subscribe/Close are safe under concurrent Publish.
//   - Publish never blocks (drops under backpressure).
//   - Events on one topic are delivered in publish order because Publish
//     holds the topic set read lock for the whole fanout.
type Broker struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

// BrokerOption configures Broker behavior.
type BrokerOption func(*Broker)

// WithBrokerBuffer sets the per-subscription queue size.
func WithBrokerBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBroker constructs an in-process change-feed broker.
func NewBroker(log *slog.Logger, opts ...BrokerOption) *Broker {
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{
		log:    log,
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: 64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe opens a subscription on topic.
func (b *Broker) Subscribe(topic string) (*Subscription, error) {
	if topic == "" {
		return nil, ErrValidation
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	var sub *Subscription
	sub = newSubscription(topic, b.buffer, func() { b.drop(topic, sub) })

	set := b.topics[topic]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}

	b.log.Debug("feed.subscribe", "topic", topic, "subscribers", len(set))
	return sub, nil
}

// Publish fans ev out to all current subscribers of topic.
func (b *Broker) Publish(_ context.Context, topic string, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for sub := range b.topics[topic] {
		if sub.deliver(ev) {
			feedEventsDelivered.WithLabelValues(string(ev.Kind)).Inc()
			continue
		}
		feedEventsDropped.Inc()
		b.log.Warn("feed.deliver.drop", "topic", topic, "kind", ev.Kind)
	}
	return nil
}

// Close cancels every subscription and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.topics = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	// Close outside the lock: Subscription.Close calls back into drop.
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (b *Broker) drop(topic string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set := b.topics[topic]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}
