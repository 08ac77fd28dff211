package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultRosterDebounce is the quiescence window for coalescing feed bursts
// into one roster refresh. Correctness never depends on its length: a refresh
// is always re-armed when events land during one, so the list converges after
// any burst.
const DefaultRosterDebounce = 250 * time.Millisecond

// Roster composes the viewer's conversation list: every room plus the
// viewer's direct conversations, each with display identity, last-message
// preview, and unread count, ordered by recency of last activity.
//
// It stays live by subscribing to roster-scoped feed events and debouncing
// bursts into single refreshes.
type Roster struct {
	log      *slog.Logger
	store    ConversationStore
	tracker  *ReadTracker
	profiles ProfileResolver
	viewerID string
	debounce time.Duration

	mu        sync.Mutex
	summaries []Summary
	sub       *Subscription
	pending   bool
	rerun     bool
	closed    bool

	updates   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// StartRoster builds the initial list and starts the live refresh loop.
// The caller must Close the returned Roster.
func StartRoster(ctx context.Context, log *slog.Logger, store ConversationStore, feed Feed, tracker *ReadTracker, profiles ProfileResolver, viewerID string, debounce time.Duration) (*Roster, error) {
	if log == nil {
		log = slog.Default()
	}
	if viewerID == "" {
		return nil, fmt.Errorf("%w: missing viewer id", ErrValidation)
	}
	if debounce <= 0 {
		debounce = DefaultRosterDebounce
	}

	r := &Roster{
		log:      log,
		store:    store,
		tracker:  tracker,
		profiles: profiles,
		viewerID: viewerID,
		debounce: debounce,
		updates:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	sub, err := feed.Subscribe(TopicRoster)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe roster: %v", ErrFeed, err)
	}
	r.sub = sub

	if err := r.Refresh(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	go r.pump()
	return r, nil
}

// Summaries returns the current list, most recent activity first.
func (r *Roster) Summaries() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Summary(nil), r.summaries...)
}

// Updates signals after the list changed. Coalescing; re-read Summaries.
func (r *Roster) Updates() <-chan struct{} { return r.updates }

// Done is closed when the roster shuts down.
func (r *Roster) Done() <-chan struct{} { return r.done }

// Close cancels the feed subscription and stops refreshes (idempotent).
func (r *Roster) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		r.sub.Close()
		close(r.done)
	})
}

// Refresh recomputes the whole list from the store. Exposed so callers can
// force convergence (tests, reconnect repair); the live loop schedules it
// through the debounce window.
func (r *Roster) Refresh(ctx context.Context) error {
	listings, err := r.store.Conversations(ctx, r.viewerID)
	if err != nil {
		return err
	}

	summaries := make([]Summary, 0, len(listings))
	for _, l := range listings {
		s := Summary{
			ConversationID: l.Conversation.ID,
			Kind:           l.Conversation.Kind,
			LastActivity:   l.LastActivity(),
		}

		switch l.Conversation.Kind {
		case KindDirect:
			// Unresolved peers degrade to a fallback label, never drop the
			// conversation from the list.
			peer := resolveOrFallback(ctx, r.profiles, l.Conversation.PeerOf(r.viewerID))
			s.Peer = &peer
			s.Title = peer.DisplayName
		default:
			s.Title = l.Conversation.Name
		}

		if l.LastMessage != nil {
			s.Preview = l.LastMessage.Content
		}

		unread, err := r.tracker.UnreadCount(ctx, r.viewerID, l.Conversation.ID)
		if err != nil {
			// A failing count must not hide the conversation; it shows as
			// read until the next refresh.
			r.log.Warn("roster.unread.fail", "conversation_id", l.Conversation.ID, "err", err)
			unread = 0
		}
		s.Unread = unread

		summaries = append(summaries, s)
	}

	r.mu.Lock()
	r.summaries = summaries
	r.mu.Unlock()

	rosterRefreshes.Inc()
	r.log.Debug("roster.refresh", "viewer_id", r.viewerID, "conversations", len(summaries))
	r.notify()
	return nil
}

// pump schedules refreshes for relevant feed events until Close.
func (r *Roster) pump() {
	for {
		select {
		case <-r.done:
			return
		case <-r.sub.Done():
			return
		case ev := <-r.sub.Events():
			if r.relevant(ev) {
				r.schedule()
			}
		}
	}
}

func (r *Roster) relevant(ev Event) bool {
	// Read-state changes only matter for the viewer's own marks; everything
	// else can change membership, previews, or counts, and the refresh query
	// is viewer-scoped anyway.
	if ev.Kind == EventReadStateChanged {
		return ev.UserID == r.viewerID
	}
	return true
}

// schedule arms the trailing-edge debounce timer. Events landing while a
// refresh is pending are coalesced but always covered: either by the armed
// refresh or by the rerun it leaves behind.
func (r *Roster) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if r.pending {
		r.rerun = true
		rosterCoalesced.Inc()
		return
	}
	r.pending = true
	time.AfterFunc(r.debounce, r.fire)
}

func (r *Roster) fire() {
	r.mu.Lock()
	if r.closed {
		r.pending = false
		r.rerun = false
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.Refresh(ctx); err != nil {
		r.log.Warn("roster.refresh.fail", "viewer_id", r.viewerID, "err", err)
	}
	cancel()

	r.mu.Lock()
	if r.rerun && !r.closed {
		r.rerun = false
		time.AfterFunc(r.debounce, r.fire)
	} else {
		r.pending = false
	}
	r.mu.Unlock()
}

func (r *Roster) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}
