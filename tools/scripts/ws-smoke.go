// Package main provides a CI-friendly WebSocket smoke test for the Prochat gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - conversation create + open
//   - send -> ack (optimistic temp id)
//   - confirmed message reaching a second viewer's timeline
//   - roster push reflecting the new conversation
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "prochat/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "prochat.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

// Server pushes arrive interleaved with replies; reads skip them by default.
var pushTypes = map[string]struct{}{
	v1.TypeRosterUpdate:   {},
	v1.TypeTimelineUpdate: {},
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-alice", "Viewer id for client A")
		userB   = flag.String("user-b", "smoke-bob", "Viewer id for client B")
		room    = flag.String("room", "", "Room name to create (default: generated)")
		text    = flag.String("text", "hello prochat 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	roomName := strings.TrimSpace(*room)
	if roomName == "" {
		roomName = fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *userA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *userB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	convID := mustCreateRoom(root, a, roomName, *timeout)
	if *verbose {
		fmt.Printf("created: conv_id=%s room=%q\n", convID, roomName)
	}

	mustOpen(root, a, convID, *timeout)
	mustOpen(root, b, convID, *timeout)

	tempID := mustSendAndAssertAck(root, a, convID, *text, *timeout)
	if *verbose {
		fmt.Printf("acked: temp_id=%s\n", tempID)
	}

	mustAwaitConfirmed(root, b, convID, *userA, *text, *timeout)
	mustAwaitConfirmed(root, a, convID, *userA, *text, *timeout)

	mustAwaitRosterRow(root, b, convID, *timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s room=%q\n", a.sessionID, b.sessionID, convID, roomName)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, userID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{UserID: userID}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, pushTypes)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustCreateRoom(parent context.Context, c *smokeClient, name string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeConversationCreate,
		ID:   fmt.Sprintf("%s-create", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ConversationCreatePayload{
			Kind: "room",
			Name: name,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	created := c.mustReadUntilType(parent, v1.TypeConversationCreated, stepTimeout, pushTypes)

	var p v1.ConversationCreatedPayload
	if err := json.Unmarshal(created.Payload, &p); err != nil {
		fatalf("unmarshal conversation_created payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		fatalf("conversation_created missing conversation_id (%s)", c.name)
	}
	if p.Kind != "room" {
		fatalf("conversation_created kind mismatch (%s): got=%q want=%q", c.name, p.Kind, "room")
	}
	if p.Title != name {
		fatalf("conversation_created title mismatch (%s): got=%q want=%q", c.name, p.Title, name)
	}
	return p.ConversationID
}

func mustOpen(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeConversationOpen,
		ID:   fmt.Sprintf("%s-open", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ConversationOpenPayload{
			ConversationID: convID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	opened := c.mustReadUntilType(parent, v1.TypeConversationOpened, stepTimeout, pushTypes)

	var p v1.ConversationOpenedPayload
	if err := json.Unmarshal(opened.Payload, &p); err != nil {
		fatalf("unmarshal conversation_opened payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("conversation_opened conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) (tempID string) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			Content: text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, pushTypes)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if strings.TrimSpace(p.TempID) == "" {
		fatalf("ack missing temp_id (%s)", c.name)
	}
	return p.TempID
}

// mustAwaitConfirmed waits for a timeline_update where the sender's message is
// present and no longer pending.
func mustAwaitConfirmed(parent context.Context, c *smokeClient, convID, senderID, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.TypeTimelineUpdate, stepTimeout, map[string]struct{}{
			v1.TypeRosterUpdate: {},
		})

		var p v1.TimelineUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal timeline_update payload (%s): %v", c.name, err)
		}
		if p.ConversationID != convID {
			fatalf("timeline_update conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
		}

		for _, e := range p.Entries {
			if e.SenderID == senderID && e.Content == text && !e.Pending {
				if e.CreatedAt.IsZero() {
					fatalf("confirmed entry missing created_at (%s)", c.name)
				}
				return
			}
		}
		// Not confirmed yet; keep consuming updates until the step times out.
	}
}

// mustAwaitRosterRow waits for a roster_update listing the conversation.
func mustAwaitRosterRow(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.TypeRosterUpdate, stepTimeout, map[string]struct{}{
			v1.TypeTimelineUpdate: {},
		})

		var p v1.RosterUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal roster_update payload (%s): %v", c.name, err)
		}
		for _, s := range p.Conversations {
			if s.ConversationID == convID {
				return
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
