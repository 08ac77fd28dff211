package chat

import (
	"context"
	"sync"
	"time"
)

// EventKind enumerates change-feed notifications.
type EventKind string

const (
	// EventMessageInserted announces a committed message.
	EventMessageInserted EventKind = "message-inserted"
	// EventReadStateChanged announces an updated last-read mark.
	EventReadStateChanged EventKind = "read-state-changed"
	// EventConversationCreated announces a new room or direct conversation.
	EventConversationCreated EventKind = "conversation-created"
	// EventConversationDeleted announces a conversation removal.
	EventConversationDeleted EventKind = "conversation-deleted"
)

// Topic names. Each conversation has its own message topic; roster-scoped
// events (anything that can change the list view) share one.
const TopicRoster = "roster"

// ConversationTopic returns the feed topic carrying one conversation's
// committed messages.
func ConversationTopic(conversationID string) string {
	return "conv." + conversationID
}

// Event is an immutable change notification. Delivery is at-least-once and
// ordered per topic; consumers must absorb duplicates.
type Event struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	// Message is set for EventMessageInserted.
	Message *Message `json:"message,omitempty"`
	// UserID is set for EventReadStateChanged.
	UserID string    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
}

// Feed is the change-feed capability the core depends on: per-topic ordered,
// at-least-once push delivery of committed events.
type Feed interface {
	// Subscribe opens a subscription on one topic. The caller must Close it.
	Subscribe(topic string) (*Subscription, error)
	// Publish fans an event out to the topic's current subscribers.
	Publish(ctx context.Context, topic string, ev Event) error
	Close() error
}

// Subscription is one consumer's handle on a topic.
//
// Events() delivers in publish order. A slow consumer may have events dropped
// rather than block the feed; gaps are repaired by the next history fetch or
// roster refresh.
type Subscription struct {
	topic string
	ch    chan Event

	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newSubscription(topic string, buffer int, onClose func()) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscription{
		topic:   topic,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Topic returns the subscribed topic name.
func (s *Subscription) Topic() string { return s.topic }

// Events returns the delivery channel. It is never closed by the feed;
// consumers select on Done() to stop.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close cancels the subscription (idempotent).
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// deliver enqueues without blocking. Events for a cancelled or saturated
// subscriber are dropped; the feed contract makes that recoverable.
func (s *Subscription) deliver(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}
