package chat

import (
	"context"
	"log/slog"
	"time"
)

// ReadTracker maintains per-(user, conversation) last-read marks and derives
// unread counts from them.
//
// MarkRead is commutative and idempotent: the store applies a monotonic-max
// policy on write, so concurrent or stale marks never regress the boundary.
// UnreadCount is a pure derived query and performs no mutation.
type ReadTracker struct {
	log   *slog.Logger
	store ConversationStore
	now   func() time.Time
}

// NewReadTracker constructs a tracker over store.
func NewReadTracker(log *slog.Logger, store ConversationStore) *ReadTracker {
	if log == nil {
		log = slog.Default()
	}
	return &ReadTracker{log: log, store: store, now: nowUTC}
}

// MarkRead moves the user's unread boundary for the conversation to now.
// Called when a conversation goes live for the viewer, and right after the
// viewer's own successful send.
func (r *ReadTracker) MarkRead(ctx context.Context, userID, conversationID string) error {
	at := r.now()
	if err := r.store.MarkRead(ctx, userID, conversationID, at); err != nil {
		return err
	}
	r.log.Debug("readstate.mark", "user_id", userID, "conversation_id", conversationID, "at", at)
	return nil
}

// UnreadCount returns the number of messages past the user's boundary,
// never counting the user's own messages. With no mark yet, every message
// from others counts.
func (r *ReadTracker) UnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	return r.store.UnreadCount(ctx, userID, conversationID)
}

// LastReadAt exposes the raw boundary; ok is false before the first mark.
func (r *ReadTracker) LastReadAt(ctx context.Context, userID, conversationID string) (time.Time, bool, error) {
	return r.store.ReadState(ctx, userID, conversationID)
}
