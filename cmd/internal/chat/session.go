package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Session is the per-viewer entry point the UI layer drives: one long-lived
// roster plus at most one live timeline at a time.
//
// Switching conversations always closes the previous timeline's feed
// subscription before the next one opens; overlapping subscriptions for one
// viewer are a defect, not a supported state.
type Session struct {
	log      *slog.Logger
	store    ConversationStore
	feed     Feed
	profiles ProfileResolver
	tracker  *ReadTracker
	roster   *Roster
	viewerID string

	mu       sync.Mutex
	timeline *Timeline
	closed   bool
}

// SessionConfig carries Session dependencies.
type SessionConfig struct {
	Log      *slog.Logger
	Store    ConversationStore
	Feed     Feed
	Profiles ProfileResolver
	// RosterDebounce overrides DefaultRosterDebounce when positive.
	RosterDebounce time.Duration
}

// NewSession starts a viewer session: the roster loads immediately and stays
// live. The caller must Close it.
func NewSession(ctx context.Context, cfg SessionConfig, viewerID string) (*Session, error) {
	if cfg.Store == nil || cfg.Feed == nil {
		return nil, fmt.Errorf("%w: missing store or feed", ErrValidation)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	tracker := NewReadTracker(log, cfg.Store)
	roster, err := StartRoster(ctx, log, cfg.Store, cfg.Feed, tracker, cfg.Profiles, viewerID, cfg.RosterDebounce)
	if err != nil {
		return nil, err
	}

	log.Info("session.start", "viewer_id", viewerID)
	return &Session{
		log:      log,
		store:    cfg.Store,
		feed:     cfg.Feed,
		profiles: cfg.Profiles,
		tracker:  tracker,
		roster:   roster,
		viewerID: viewerID,
	}, nil
}

// ViewerID returns the bound viewer identity.
func (s *Session) ViewerID() string { return s.viewerID }

// OpenConversation closes any currently open timeline, opens a fresh one on
// conversationID, and marks the conversation read once it is live.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) (*Timeline, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if prev := s.timeline; prev != nil {
		// The old subscription must be gone before the next one opens.
		prev.Close()
		s.timeline = nil
	}
	s.mu.Unlock()

	t, err := OpenTimeline(ctx, s.log, s.store, s.feed, s.profiles, s.viewerID, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return nil, ErrClosed
	}
	s.timeline = t
	s.mu.Unlock()

	// Viewing the conversation moves the unread boundary.
	if err := s.tracker.MarkRead(ctx, s.viewerID, conversationID); err != nil {
		s.log.Warn("session.mark_read.fail", "conversation_id", conversationID, "err", err)
	}
	return t, nil
}

// CloseConversation closes the active timeline, if any.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	t := s.timeline
	s.timeline = nil
	s.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// Timeline returns the active timeline, or nil.
func (s *Session) Timeline() *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline
}

// Send sends content into the open conversation with a zero-latency local
// echo, then marks the conversation read so one's own message never inflates
// one's own unread count.
func (s *Session) Send(ctx context.Context, content string) (Entry, error) {
	s.mu.Lock()
	t := s.timeline
	s.mu.Unlock()

	if t == nil {
		return Entry{}, fmt.Errorf("%w: no open conversation", ErrValidation)
	}

	entry, err := t.Send(ctx, content)
	if err != nil {
		return Entry{}, err
	}

	if err := s.tracker.MarkRead(ctx, s.viewerID, t.ConversationID()); err != nil {
		s.log.Warn("session.mark_read.fail", "conversation_id", t.ConversationID(), "err", err)
	}
	return entry, nil
}

// Summaries returns the live conversation list.
func (s *Session) Summaries() []Summary { return s.roster.Summaries() }

// RosterUpdates signals after the conversation list changed.
func (s *Session) RosterUpdates() <-chan struct{} { return s.roster.Updates() }

// UnreadCount returns the viewer's unread count for one conversation.
func (s *Session) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	return s.tracker.UnreadCount(ctx, s.viewerID, conversationID)
}

// Close tears down the active timeline and the roster subscription.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	t := s.timeline
	s.timeline = nil
	s.mu.Unlock()

	if t != nil {
		t.Close()
	}
	s.roster.Close()
	s.log.Info("session.stop", "viewer_id", s.viewerID)
}
