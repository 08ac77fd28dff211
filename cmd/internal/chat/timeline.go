package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// TimelineState is the lifecycle of one open conversation view.
type TimelineState string

const (
	TimelineLoading TimelineState = "loading"
	TimelineLive    TimelineState = "live"
	TimelineClosed  TimelineState = "closed"
)

// Entry is one reconciled timeline row: a confirmed message or an optimistic
// one still waiting for its confirmation.
type Entry struct {
	Message
	Sender Profile
	// Pending marks a locally-issued message not yet confirmed by the store.
	Pending bool
}

// Timeline presents one conversation's messages as a single live,
// deduplicated sequence ordered by (created_at, id).
//
// It merges three sources: fetched history, locally-issued optimistic
// messages, and change-feed events. Feed delivery is at-least-once, so
// duplicates are absorbed silently. A Timeline is one-shot: Close is
// terminal and reopening a conversation builds a fresh Timeline.
type Timeline struct {
	log      *slog.Logger
	store    ConversationStore
	profiles ProfileResolver
	viewerID string
	convID   string

	mu      sync.Mutex
	state   TimelineState
	entries []Entry
	sub     *Subscription

	cacheMu      sync.Mutex
	profileCache map[string]Profile

	updates   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenTimeline opens a live view on conversationID for viewerID: it opens the
// feed subscription, loads history, merges, and goes Live. The caller must
// Close the returned Timeline; a cancelled ctx during loading discards
// everything, including the subscription.
func OpenTimeline(ctx context.Context, log *slog.Logger, store ConversationStore, feed Feed, profiles ProfileResolver, viewerID, conversationID string) (*Timeline, error) {
	if log == nil {
		log = slog.Default()
	}
	if viewerID == "" || conversationID == "" {
		return nil, fmt.Errorf("%w: missing viewer or conversation id", ErrValidation)
	}

	t := &Timeline{
		log:          log,
		store:        store,
		profiles:     profiles,
		viewerID:     viewerID,
		convID:       conversationID,
		state:        TimelineLoading,
		profileCache: make(map[string]Profile),
		updates:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	// Subscribe before fetching so no commit can fall between the history
	// snapshot and the first delivered event. Overlap is absorbed by dedup.
	sub, err := feed.Subscribe(ConversationTopic(conversationID))
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrFeed, conversationID, err)
	}
	t.sub = sub

	history, err := store.FetchHistory(ctx, conversationID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		// Late-arriving history for an abandoned open must not leak a live
		// subscription.
		sub.Close()
		return nil, err
	}

	t.mu.Lock()
	for _, m := range history {
		t.insertLocked(Entry{Message: m, Sender: t.senderProfile(ctx, m.SenderID)})
	}
	t.state = TimelineLive
	t.mu.Unlock()

	go t.pump()

	t.log.Info("timeline.live", "conversation_id", conversationID, "history", len(history))
	t.notify()
	return t, nil
}

// ConversationID returns the bound conversation.
func (t *Timeline) ConversationID() string { return t.convID }

// State returns the current lifecycle state.
func (t *Timeline) State() TimelineState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot returns the reconciled entries in (created_at, id) order.
func (t *Timeline) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Updates signals after the view changed. It is coalescing: one receive may
// cover several changes; consumers re-read Snapshot.
func (t *Timeline) Updates() <-chan struct{} { return t.updates }

// Done is closed when the timeline is closed.
func (t *Timeline) Done() <-chan struct{} { return t.done }

// Close cancels the feed subscription and freezes the view (idempotent).
// It must complete before the viewer opens another conversation.
func (t *Timeline) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = TimelineClosed
		t.mu.Unlock()

		t.sub.Close()
		close(t.done)
		t.log.Info("timeline.closed", "conversation_id", t.convID)
	})
}

// Send issues a message optimistically: the entry is visible immediately
// under a temporary id, then replaced by its confirmed counterpart delivered
// on the feed. On append failure the entry is rolled back and the error
// returned; the caller keeps the content and may resubmit.
func (t *Timeline) Send(ctx context.Context, content string) (Entry, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Entry{}, fmt.Errorf("%w: empty content", ErrValidation)
	}

	t.mu.Lock()
	if t.state != TimelineLive {
		t.mu.Unlock()
		return Entry{}, ErrClosed
	}

	optimistic := Entry{
		Message: Message{
			ID:             NewTempID(),
			ConversationID: t.convID,
			SenderID:       t.viewerID,
			Content:        trimmed,
			CreatedAt:      nowUTC(),
		},
		Sender:  t.senderProfile(ctx, t.viewerID),
		Pending: true,
	}
	t.insertLocked(optimistic)
	t.mu.Unlock()
	t.notify()

	_, err := t.store.Append(ctx, AppendInput{
		ConversationID: t.convID,
		SenderID:       t.viewerID,
		Content:        trimmed,
		ClientTag:      optimistic.ID,
	})
	if err != nil {
		t.mu.Lock()
		t.removeLocked(optimistic.ID)
		t.mu.Unlock()
		t.notify()
		sendsFailed.Inc()
		return Entry{}, err
	}

	// The confirmed message arrives via the feed and replaces the optimistic
	// entry by client tag.
	return optimistic, nil
}

// Resync refetches history and merges it into the live view, keeping
// unconfirmed optimistic entries. Used after a feed reconnect to repair gaps.
func (t *Timeline) Resync(ctx context.Context) error {
	t.mu.Lock()
	if t.state == TimelineClosed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	history, err := t.store.FetchHistory(ctx, t.convID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state == TimelineClosed {
		t.mu.Unlock()
		return ErrClosed
	}

	confirmedTags := make(map[string]struct{}, len(history))
	for _, m := range history {
		if m.ClientTag != "" {
			confirmedTags[m.ClientTag] = struct{}{}
		}
	}

	var pending []Entry
	for _, e := range t.entries {
		if !e.Pending {
			continue
		}
		if _, confirmed := confirmedTags[e.ID]; confirmed {
			sendsConfirmed.Inc()
			continue
		}
		pending = append(pending, e)
	}

	t.entries = t.entries[:0]
	for _, m := range history {
		t.insertLocked(Entry{Message: m, Sender: t.senderProfile(ctx, m.SenderID)})
	}
	for _, e := range pending {
		t.insertLocked(e)
	}
	t.mu.Unlock()

	t.log.Info("timeline.resync", "conversation_id", t.convID, "history", len(history), "pending", len(pending))
	t.notify()
	return nil
}

// pump applies feed events until the timeline closes.
func (t *Timeline) pump() {
	for {
		select {
		case <-t.sub.Done():
			return
		case ev := <-t.sub.Events():
			t.apply(ev)
		}
	}
}

// apply reconciles one feed event into the view.
func (t *Timeline) apply(ev Event) {
	if ev.Kind != EventMessageInserted || ev.Message == nil || ev.Message.ConversationID != t.convID {
		return
	}
	msg := *ev.Message

	// Resolve outside the view lock; failures degrade to a placeholder
	// identity rather than failing the timeline.
	sender := t.senderProfile(context.Background(), msg.SenderID)

	t.mu.Lock()
	defer func() {
		t.mu.Unlock()
		t.notify()
	}()

	if t.state != TimelineLive {
		// Late event for a closed view; a future open refetches history.
		return
	}

	for _, e := range t.entries {
		if !e.Pending && e.ID == msg.ID {
			timelineDuplicates.Inc()
			return
		}
	}

	if idx, ok := t.matchOptimisticLocked(msg); ok {
		t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
		sendsConfirmed.Inc()
	}

	t.insertLocked(Entry{Message: msg, Sender: sender})
}

// matchOptimisticLocked finds the optimistic entry confirmed by msg: by
// client tag when present, otherwise the oldest unmatched pending entry from
// the same sender with identical content (FIFO per sender, so out-of-order
// confirmations still resolve correctly).
func (t *Timeline) matchOptimisticLocked(msg Message) (int, bool) {
	if msg.ClientTag != "" {
		for i, e := range t.entries {
			if e.Pending && e.ID == msg.ClientTag {
				return i, true
			}
		}
		// A tagged confirmation for an entry this timeline never issued
		// (another session's send) inserts as a regular message.
		if !IsTempID(msg.ClientTag) {
			return 0, false
		}
	}

	for i, e := range t.entries {
		if e.Pending && e.SenderID == msg.SenderID && e.Content == msg.Content {
			return i, true
		}
	}
	return 0, false
}

// insertLocked places e at its sorted position. Entries are unique by id.
func (t *Timeline) insertLocked(e Entry) {
	idx := sort.Search(len(t.entries), func(i int) bool {
		return e.Message.Before(t.entries[i].Message)
	})
	t.entries = append(t.entries, Entry{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
}

func (t *Timeline) removeLocked(id string) {
	for i, e := range t.entries {
		if e.ID == id {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

func (t *Timeline) senderProfile(ctx context.Context, userID string) Profile {
	t.cacheMu.Lock()
	if p, ok := t.profileCache[userID]; ok {
		t.cacheMu.Unlock()
		return p
	}
	t.cacheMu.Unlock()

	p := resolveOrFallback(ctx, t.profiles, userID)

	t.cacheMu.Lock()
	t.profileCache[userID] = p
	t.cacheMu.Unlock()
	return p
}

func (t *Timeline) notify() {
	select {
	case t.updates <- struct{}{}:
	default:
	}
}
