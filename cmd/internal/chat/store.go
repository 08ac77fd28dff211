package chat

import (
	"context"
	"time"
)

// ConversationStore is the durable source of truth for conversations,
// messages, and read-state.
//
// Requirements:
//   - Append is idempotent per (conversation_id, client_tag).
//   - CreatedAt is strictly monotonic per conversation; (created_at, id) is a
//     total order.
//   - Every successful mutation emits exactly one change-feed event after
//     commit.
//   - MarkRead applies a monotonic-max policy: a stale timestamp never
//     regresses last_read_at.
type ConversationStore interface {
	// FetchHistory returns a conversation's messages ascending by
	// (created_at, id). It always reflects durable state at call time.
	FetchHistory(ctx context.Context, conversationID string) ([]Message, error)

	// Append commits a message and fans it out on the change feed.
	// Fails with ErrValidation on empty content, ErrAuthorization when the
	// sender is not a participant, ErrStorage on backend failure.
	Append(ctx context.Context, in AppendInput) (Message, error)

	// CreateRoom creates a named room owned by creatorID.
	CreateRoom(ctx context.Context, name, creatorID string) (Conversation, error)
	// CreateDirect returns the direct conversation for the unordered user
	// pair, creating it on first use.
	CreateDirect(ctx context.Context, userA, userB string) (Conversation, error)
	// RenameRoom updates a room's display name, the only mutable metadata.
	RenameRoom(ctx context.Context, conversationID, name string) error
	// DeleteConversation removes a conversation, cascading to its messages
	// and read-state rows.
	DeleteConversation(ctx context.Context, conversationID string) error

	// Conversation returns conversation metadata.
	Conversation(ctx context.Context, conversationID string) (Conversation, error)
	// Conversations returns the viewer's roster: every room plus the direct
	// conversations the viewer participates in, each with its most recent
	// message when one exists.
	Conversations(ctx context.Context, viewerID string) ([]Listing, error)

	// ReadState returns the viewer's last-read mark for a conversation.
	// ok is false when no row exists yet.
	ReadState(ctx context.Context, userID, conversationID string) (lastReadAt time.Time, ok bool, err error)
	// MarkRead upserts last_read_at = max(existing, at) for the pair.
	MarkRead(ctx context.Context, userID, conversationID string, at time.Time) error
	// UnreadCount counts messages after the viewer's mark, excluding the
	// viewer's own messages. With no mark, every foreign message counts.
	UnreadCount(ctx context.Context, userID, conversationID string) (int, error)

	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	// ClientTag is the sender-generated optimistic id. The store echoes it on
	// the committed message and dedupes retries on it.
	ClientTag string
	// Now overrides the commit clock (tests). Zero means time.Now().
	Now time.Time
}

// Listing pairs a conversation with its most recent message for roster queries.
type Listing struct {
	Conversation Conversation
	// LastMessage is nil for conversations with no messages yet.
	LastMessage *Message
}

// LastActivity returns the timestamp used for roster recency sorting.
func (l Listing) LastActivity() time.Time {
	if l.LastMessage != nil {
		return l.LastMessage.CreatedAt
	}
	return l.Conversation.CreatedAt
}
