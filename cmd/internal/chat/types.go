// Package chat contains the Prochat synchronization core: the conversation
// store, the change feed, the reconciling timeline, read-state tracking, and
// the conversation list aggregator.
package chat

import (
	"errors"
	"strings"
	"time"
)

// Kind distinguishes the two conversation shapes.
type Kind string

const (
	// KindRoom is a named multi-participant conversation visible to every user.
	KindRoom Kind = "room"
	// KindDirect is a two-participant conversation keyed by the unordered user pair.
	KindDirect Kind = "direct"
)

// Error taxonomy. Callers classify with errors.Is; see Send and Append.
var (
	// ErrValidation rejects malformed input before any I/O.
	ErrValidation = errors.New("chat: validation failed")
	// ErrAuthorization rejects a sender who is not a participant.
	ErrAuthorization = errors.New("chat: not a participant")
	// ErrStorage wraps backend failures. The caller keeps the content and may resubmit.
	ErrStorage = errors.New("chat: storage failure")
	// ErrFeed wraps change-feed subscription failures.
	ErrFeed = errors.New("chat: feed failure")
	// ErrNotFound signals a missing conversation, profile, or read-state row.
	ErrNotFound = errors.New("chat: not found")
	// ErrClosed signals an operation against a closed timeline, feed, or session.
	ErrClosed = errors.New("chat: closed")
)

// Conversation is durable conversation metadata.
//
// Rooms carry Name and CreatorID. Directs carry the normalized participant
// pair (UserA < UserB). Metadata is immutable except a room's Name.
type Conversation struct {
	ID        string
	Kind      Kind
	Name      string
	CreatorID string
	UserA     string
	UserB     string
	CreatedAt time.Time
}

// Participants returns the direct pair, or zero values for rooms.
func (c Conversation) Participants() (string, string) {
	if c.Kind != KindDirect {
		return "", ""
	}
	return c.UserA, c.UserB
}

// PeerOf returns the other member of a direct conversation.
func (c Conversation) PeerOf(userID string) string {
	switch {
	case c.Kind != KindDirect:
		return ""
	case c.UserA == userID:
		return c.UserB
	case c.UserB == userID:
		return c.UserA
	default:
		return ""
	}
}

// Message is the durable message record. ID and CreatedAt are assigned by the
// store on commit; CreatedAt is strictly monotonic within one conversation so
// that (CreatedAt, ID) is a total order.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	// ClientTag echoes the sender-generated optimistic id, when one was
	// provided. It keys append idempotency and optimistic reconciliation.
	ClientTag string
	CreatedAt time.Time
}

// Before reports whether m sorts before other under the (CreatedAt, ID) order.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Profile is the resolved identity of a message sender or direct peer.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

// FallbackProfile derives a placeholder identity from a user id, used when the
// profile collaborator cannot resolve the sender. The conversation keeps
// rendering instead of failing.
func FallbackProfile(userID string) Profile {
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	if strings.TrimSpace(short) == "" {
		short = "unknown"
	}
	return Profile{UserID: userID, DisplayName: "user-" + short}
}

func nowUTC() time.Time { return time.Now().UTC() }

// Summary is one conversation row for the list view: identity, preview of the
// most recent message, unread count, and the recency used for sorting.
type Summary struct {
	ConversationID string
	Kind           Kind
	// Title is the room name, or the direct peer's display name (fallback
	// label when the profile cannot be resolved).
	Title string
	// Peer is set for direct conversations only.
	Peer *Profile
	// Preview is the most recent message content, untruncated. Display
	// truncation is a presentation concern.
	Preview      string
	Unread       int
	LastActivity time.Time
}
