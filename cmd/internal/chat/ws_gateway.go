package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "prochat/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "prochat.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Preview length for roster pushes, matching the sidebar rendering.
	wsPreviewRunes = 30

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for Prochat sessions.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and maps validated envelopes onto a per-connection Session:
// hello binds the viewer, conversation_open/close drive the active timeline,
// message_send goes through the optimistic pipeline, and timeline/roster
// changes are pushed back as update envelopes.
type WSGateway struct {
	log      *slog.Logger
	store    ConversationStore
	feed     Feed
	profiles ProfileResolver

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	rosterDebounce time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When store/feed are nil, it falls back to in-memory implementations for dev.
func NewWSGateway(log *slog.Logger, store ConversationStore, feed Feed, profiles ProfileResolver) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if feed == nil {
		feed = NewBroker(log)
	}
	if store == nil {
		store = NewInMemoryStore(log, feed)
	}

	g := &WSGateway{log: log, store: store, feed: feed, profiles: profiles}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("PROCHAT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PROCHAT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PROCHAT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is ok,
	// cross-origin requires OriginPatterns (host patterns). We derive those
	// patterns from the allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PROCHAT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PROCHAT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PROCHAT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PROCHAT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PROCHAT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PROCHAT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PROCHAT_WS_RATE_WINDOW", rateLimitWindow)

	g.rosterDebounce = envDurationWS("PROCHAT_ROSTER_DEBOUNCE", DefaultRosterDebounce)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// wsClient is one connected viewer socket with a bounded send queue.
// Send is never closed by the server; done signals goroutines to stop.
type wsClient struct {
	sessionID string
	send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := &wsClient{
		sessionID: NewRandomHex(10),
		send:      make(chan v1.Envelope, g.sendQueueSize),
		done:      make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		session   *Session
		// timelineCh hands newly opened (or nil for closed) timelines to the
		// push forwarder.
		timelineCh = make(chan *Timeline, 1)
	)

	// shutdown is idempotent. It does NOT close client.send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if session != nil {
				session.Close()
			}
			client.close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case env := <-client.send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if session != nil {
				g.trySendError(ctx, client, "already_hello", "session already bound")
				continue readLoop
			}
			sess, err := g.onHello(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			session = sess
			go g.forwardUpdates(ctx, client, session, timelineCh)

		case v1.TypeConversationCreate:
			if session == nil {
				g.trySendError(ctx, client, "not_hello", "hello first")
				continue readLoop
			}
			if err := g.onCreate(ctx, client, session, env); err != nil {
				g.trySendError(ctx, client, errorCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeConversationOpen:
			if session == nil {
				g.trySendError(ctx, client, "not_hello", "hello first")
				continue readLoop
			}
			if err := g.onOpen(ctx, client, session, env, timelineCh); err != nil {
				g.trySendError(ctx, client, errorCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeConversationClose:
			if session == nil {
				g.trySendError(ctx, client, "not_hello", "hello first")
				continue readLoop
			}
			session.CloseConversation()
			select {
			case timelineCh <- nil:
			default:
			}

		case v1.TypeMessageSend:
			if session == nil {
				g.trySendError(ctx, client, "not_hello", "hello first")
				continue readLoop
			}
			if err := g.onSend(ctx, client, session, env); err != nil {
				g.trySendError(ctx, client, errorCode(err), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *wsClient, env v1.Envelope) (*Session, error) {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return nil, errors.New("missing user_id")
	}

	session, err := NewSession(ctx, SessionConfig{
		Log:            g.log,
		Store:          g.store,
		Feed:           g.feed,
		Profiles:       g.profiles,
		RosterDebounce: g.rosterDebounce,
	}, userID)
	if err != nil {
		return nil, err
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.sessionID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())) {
		session.Close()
		return nil, errors.New("backpressure: hello.ack")
	}

	// Initial roster push so the client renders without waiting for traffic.
	g.pushRoster(ctx, client, session)
	return session, nil
}

func (g *WSGateway) onCreate(ctx context.Context, client *wsClient, session *Session, env v1.Envelope) error {
	var p v1.ConversationCreatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload", ErrValidation)
	}

	var (
		conv  Conversation
		title string
		err   error
	)
	switch Kind(strings.TrimSpace(p.Kind)) {
	case KindRoom:
		conv, err = g.store.CreateRoom(ctx, p.Name, session.ViewerID())
		if err != nil {
			return err
		}
		title = conv.Name
	case KindDirect:
		peerID := strings.TrimSpace(p.PeerID)
		if peerID == "" {
			return fmt.Errorf("%w: missing peer_id", ErrValidation)
		}
		conv, err = g.store.CreateDirect(ctx, session.ViewerID(), peerID)
		if err != nil {
			return err
		}
		title = resolveOrFallback(ctx, g.profiles, peerID).DisplayName
	default:
		return fmt.Errorf("%w: unknown kind: %q", ErrValidation, p.Kind)
	}

	createdPayload, _ := json.Marshal(v1.ConversationCreatedPayload{
		ConversationID: conv.ID,
		Kind:           string(conv.Kind),
		Title:          title,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeConversationCreated, createdPayload, time.Now().UTC())) {
		return errors.New("backpressure: created")
	}
	return nil
}

func (g *WSGateway) onOpen(ctx context.Context, client *wsClient, session *Session, env v1.Envelope, timelineCh chan *Timeline) error {
	var p v1.ConversationOpenPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload", ErrValidation)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrValidation)
	}

	t, err := session.OpenConversation(ctx, convID)
	if err != nil {
		return err
	}

	// Drain a stale handoff before handing over the fresh timeline.
	select {
	case <-timelineCh:
	default:
	}
	timelineCh <- t

	openedPayload, _ := json.Marshal(v1.ConversationOpenedPayload{
		ConversationID: convID,
		Entries:        wireEntries(t.Snapshot()),
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeConversationOpened, openedPayload, time.Now().UTC())) {
		return errors.New("backpressure: opened")
	}
	return nil
}

func (g *WSGateway) onSend(ctx context.Context, client *wsClient, session *Session, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload", ErrValidation)
	}

	content := strings.TrimSpace(p.Content)
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}
	if len([]rune(content)) > maxMessageChars {
		return fmt.Errorf("%w: message too long: max=%d chars", ErrValidation, maxMessageChars)
	}

	entry, err := session.Send(ctx, content)
	if err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: entry.ConversationID,
		TempID:         entry.ID,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessageAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: ack")
	}
	return nil
}

// forwardUpdates pushes roster and timeline changes to the client until the
// connection goes away.
func (g *WSGateway) forwardUpdates(ctx context.Context, client *wsClient, session *Session, timelineCh <-chan *Timeline) {
	var (
		timeline        *Timeline
		timelineUpdates <-chan struct{}
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		case t := <-timelineCh:
			timeline = t
			if t != nil {
				timelineUpdates = t.Updates()
			} else {
				timelineUpdates = nil
			}
		case <-session.RosterUpdates():
			g.pushRoster(ctx, client, session)
		case <-timelineUpdates:
			if timeline == nil {
				continue
			}
			payload, _ := json.Marshal(v1.TimelineUpdatePayload{
				ConversationID: timeline.ConversationID(),
				Entries:        wireEntries(timeline.Snapshot()),
			})
			g.enqueue(ctx, client, newEnvelope(v1.TypeTimelineUpdate, payload, time.Now().UTC()))
		}
	}
}

func (g *WSGateway) pushRoster(ctx context.Context, client *wsClient, session *Session) {
	summaries := session.Summaries()
	out := make([]v1.ConversationSummary, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, v1.ConversationSummary{
			ConversationID: s.ConversationID,
			Kind:           string(s.Kind),
			Title:          s.Title,
			Preview:        truncateRunes(s.Preview, wsPreviewRunes),
			Unread:         s.Unread,
			LastActivity:   s.LastActivity,
		})
	}
	payload, _ := json.Marshal(v1.RosterUpdatePayload{Conversations: out})
	g.enqueue(ctx, client, newEnvelope(v1.TypeRosterUpdate, payload, time.Now().UTC()))
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *wsClient, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *WSGateway) enqueue(ctx context.Context, client *wsClient, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.done:
		return false
	case client.send <- env:
		return true
	default:
		return false
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrAuthorization):
		return "not_participant"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStorage):
		// The content stays with the client for resubmission.
		return "storage_unavailable"
	case errors.Is(err, ErrFeed):
		return "feed_unavailable"
	default:
		return "internal"
	}
}

func wireEntries(entries []Entry) []v1.TimelineEntry {
	out := make([]v1.TimelineEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, v1.TimelineEntry{
			ID:             e.ID,
			ConversationID: e.ConversationID,
			SenderID:       e.SenderID,
			SenderName:     e.Sender.DisplayName,
			AvatarRef:      e.Sender.AvatarRef,
			Content:        e.Content,
			CreatedAt:      e.CreatedAt,
			Pending:        e.Pending,
		})
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Keep this strict: only hosts extracted from the
	// allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
