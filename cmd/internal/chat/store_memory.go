package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is a ConversationStore for dev and tests.
// It honors every store guarantee: per-conversation monotonic created_at,
// client-tag idempotency, monotonic-max read marks, and one feed event per
// committed mutation.
type InMemoryStore struct {
	log  *slog.Logger
	feed Feed

	mu      sync.Mutex
	convs   map[string]*memConversation
	directs map[string]string // normalized pair key -> conversation id
	reads   map[string]time.Time
}

type memConversation struct {
	meta   Conversation
	msgs   []Message          // ordered by (created_at, id)
	tags   map[string]Message // client_tag -> stored message
	lastTS time.Time
}

// NewInMemoryStore constructs an in-memory store publishing on feed.
// A nil feed disables fanout (pure-storage tests).
func NewInMemoryStore(log *slog.Logger, feed Feed) *InMemoryStore {
	if log == nil {
		log = slog.Default()
	}
	return &InMemoryStore{
		log:     log,
		feed:    feed,
		convs:   make(map[string]*memConversation),
		directs: make(map[string]string),
		reads:   make(map[string]time.Time),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// FetchHistory returns messages ascending by (created_at, id).
func (s *InMemoryStore) FetchHistory(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return nil, ErrNotFound
	}
	out := append([]Message(nil), c.msgs...)
	return out, nil
}

// Append commits a message with idempotency and monotonic created_at.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	content := strings.TrimSpace(in.Content)
	if in.ConversationID == "" || in.SenderID == "" {
		return Message{}, fmt.Errorf("%w: missing conversation or sender id", ErrValidation)
	}
	if content == "" {
		return Message{}, fmt.Errorf("%w: empty content", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	if c == nil {
		s.mu.Unlock()
		return Message{}, ErrNotFound
	}
	if !s.isParticipantLocked(c.meta, in.SenderID) {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: sender %s", ErrAuthorization, in.SenderID)
	}

	if in.ClientTag != "" {
		if existing, ok := c.tags[in.ClientTag]; ok {
			s.mu.Unlock()
			return existing, nil
		}
	}

	// Keep (created_at, id) strictly increasing regardless of clock skew.
	if !now.After(c.lastTS) {
		now = c.lastTS.Add(time.Microsecond)
	}
	c.lastTS = now

	id, err := NewMessageID(now)
	if err != nil {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: id: %v", ErrStorage, err)
	}

	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
		ClientTag:      in.ClientTag,
		CreatedAt:      now,
	}
	if in.ClientTag != "" {
		c.tags[in.ClientTag] = msg
	}
	c.msgs = append(c.msgs, msg)
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}
	s.mu.Unlock()

	s.publish(EventMessageInserted, msg.ConversationID, &msg, "", now)
	return msg, nil
}

// CreateRoom creates a named room.
func (s *InMemoryStore) CreateRoom(ctx context.Context, name, creatorID string) (Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" || creatorID == "" {
		return Conversation{}, fmt.Errorf("%w: missing room name or creator", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	now := time.Now().UTC()
	id, err := NewConversationID(now)
	if err != nil {
		return Conversation{}, fmt.Errorf("%w: id: %v", ErrStorage, err)
	}

	conv := Conversation{ID: id, Kind: KindRoom, Name: name, CreatorID: creatorID, CreatedAt: now}

	s.mu.Lock()
	s.convs[id] = &memConversation{meta: conv, tags: make(map[string]Message)}
	s.mu.Unlock()

	s.publish(EventConversationCreated, id, nil, "", now)
	return conv, nil
}

// CreateDirect returns the conversation for the unordered pair, creating it on
// first use.
func (s *InMemoryStore) CreateDirect(ctx context.Context, userA, userB string) (Conversation, error) {
	userA, userB = normalizePair(userA, userB)
	if userA == "" || userB == "" || userA == userB {
		return Conversation{}, fmt.Errorf("%w: invalid direct pair", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	key := userA + "|" + userB

	s.mu.Lock()
	if id, ok := s.directs[key]; ok {
		conv := s.convs[id].meta
		s.mu.Unlock()
		return conv, nil
	}

	now := time.Now().UTC()
	id, err := NewConversationID(now)
	if err != nil {
		s.mu.Unlock()
		return Conversation{}, fmt.Errorf("%w: id: %v", ErrStorage, err)
	}
	conv := Conversation{ID: id, Kind: KindDirect, UserA: userA, UserB: userB, CreatedAt: now}
	s.convs[id] = &memConversation{meta: conv, tags: make(map[string]Message)}
	s.directs[key] = id
	s.mu.Unlock()

	s.publish(EventConversationCreated, id, nil, "", now)
	return conv, nil
}

// RenameRoom updates a room's display name.
func (s *InMemoryStore) RenameRoom(ctx context.Context, conversationID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty room name", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil || c.meta.Kind != KindRoom {
		return ErrNotFound
	}
	c.meta.Name = name
	return nil
}

// DeleteConversation removes the conversation, its messages, and every
// read-state row for it.
func (s *InMemoryStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	c := s.convs[conversationID]
	if c == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.convs, conversationID)
	if c.meta.Kind == KindDirect {
		delete(s.directs, c.meta.UserA+"|"+c.meta.UserB)
	}
	for key := range s.reads {
		if strings.HasSuffix(key, "|"+conversationID) {
			delete(s.reads, key)
		}
	}
	s.mu.Unlock()

	s.publish(EventConversationDeleted, conversationID, nil, "", time.Now().UTC())
	return nil
}

// Conversation returns conversation metadata.
func (s *InMemoryStore) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return Conversation{}, ErrNotFound
	}
	return c.meta, nil
}

// Conversations returns the viewer's roster: all rooms plus the viewer's
// direct conversations, each with its latest message.
func (s *InMemoryStore) Conversations(ctx context.Context, viewerID string) ([]Listing, error) {
	if viewerID == "" {
		return nil, fmt.Errorf("%w: missing viewer id", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Listing, 0, len(s.convs))
	for _, c := range s.convs {
		if c.meta.Kind == KindDirect && c.meta.PeerOf(viewerID) == "" {
			continue
		}
		l := Listing{Conversation: c.meta}
		if n := len(c.msgs); n > 0 {
			last := c.msgs[n-1]
			l.LastMessage = &last
		}
		out = append(out, l)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity().After(out[j].LastActivity())
	})
	return out, nil
}

// ReadState returns the last-read mark for the pair.
func (s *InMemoryStore) ReadState(ctx context.Context, userID, conversationID string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.reads[userID+"|"+conversationID]
	return at, ok, nil
}

// MarkRead upserts last_read_at = max(existing, at). Stale writes never
// regress the mark.
func (s *InMemoryStore) MarkRead(ctx context.Context, userID, conversationID string, at time.Time) error {
	if userID == "" || conversationID == "" {
		return fmt.Errorf("%w: missing user or conversation id", ErrValidation)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := userID + "|" + conversationID

	s.mu.Lock()
	if s.convs[conversationID] == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	prev, ok := s.reads[key]
	advanced := !ok || at.After(prev)
	if advanced {
		s.reads[key] = at
	}
	s.mu.Unlock()

	if advanced {
		s.publish(EventReadStateChanged, conversationID, nil, userID, at)
	}
	return nil
}

// UnreadCount counts messages after the viewer's mark, excluding the viewer's
// own. With no mark, every foreign message counts.
func (s *InMemoryStore) UnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return 0, ErrNotFound
	}

	mark, marked := s.reads[userID+"|"+conversationID]
	n := 0
	for _, m := range c.msgs {
		if m.SenderID == userID {
			continue
		}
		if marked && !m.CreatedAt.After(mark) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *InMemoryStore) isParticipantLocked(meta Conversation, userID string) bool {
	if meta.Kind == KindRoom {
		// Rooms are visible to every authenticated user.
		return true
	}
	return meta.PeerOf(userID) != ""
}

func (s *InMemoryStore) publish(kind EventKind, conversationID string, msg *Message, userID string, at time.Time) {
	if s.feed == nil {
		return
	}

	ev := Event{Kind: kind, ConversationID: conversationID, Message: msg, UserID: userID, At: at}
	ctx := context.Background()

	if kind == EventMessageInserted {
		if err := s.feed.Publish(ctx, ConversationTopic(conversationID), ev); err != nil {
			s.log.Warn("feed.publish.fail", "topic", ConversationTopic(conversationID), "err", err)
		}
	}
	if err := s.feed.Publish(ctx, TopicRoster, ev); err != nil {
		s.log.Warn("feed.publish.fail", "topic", TopicRoster, "err", err)
	}
}

func normalizePair(a, b string) (string, string) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return a, b
}
