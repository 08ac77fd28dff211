// Package v1 defines the Prochat session protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a viewer session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session and carries the session id (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationCreate requests a new room or direct conversation (client -> server).
	TypeConversationCreate = "conversation_create"
	// TypeConversationCreated confirms the create and carries the conversation id (server -> client).
	TypeConversationCreated = "conversation_created"

	// TypeConversationOpen binds the session's active timeline to a conversation (client -> server).
	TypeConversationOpen = "conversation_open"
	// TypeConversationOpened confirms the open and carries the initial snapshot (server -> client).
	TypeConversationOpened = "conversation_opened"
	// TypeConversationClose releases the active timeline (client -> server).
	TypeConversationClose = "conversation_close"

	// TypeMessageSend requests sending a new message into the open conversation (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"

	// TypeTimelineUpdate pushes the reconciled timeline after it changed (server -> client).
	TypeTimelineUpdate = "timeline_update"
	// TypeRosterUpdate pushes the conversation list with previews and unread counts (server -> client).
	TypeRosterUpdate = "roster_update"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationCreate,
		TypeConversationCreated,
		TypeConversationOpen,
		TypeConversationOpened,
		TypeConversationClose,
		TypeMessageSend,
		TypeMessageAck,
		TypeTimelineUpdate,
		TypeRosterUpdate,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload declares the viewer identity for the session.
// Authentication happens upstream; the gateway trusts the identity it is handed.
type HelloPayload struct {
	UserID string `json:"user_id"`
}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// ConversationCreatePayload requests a conversation.
// Kind "room" uses Name; kind "direct" uses PeerID (the creator is implied).
type ConversationCreatePayload struct {
	Kind   string `json:"kind"`
	Name   string `json:"name,omitempty"`
	PeerID string `json:"peer_id,omitempty"`
}

// ConversationCreatedPayload confirms a create. Creating a direct conversation
// for an existing pair returns the existing conversation.
type ConversationCreatedPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Title          string `json:"title,omitempty"`
}

// ConversationOpenPayload selects the conversation for the session's active timeline.
type ConversationOpenPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationOpenedPayload confirms the open and carries the initial timeline snapshot.
type ConversationOpenedPayload struct {
	ConversationID string          `json:"conversation_id"`
	Entries        []TimelineEntry `json:"entries"`
}

// ConversationClosePayload releases the active timeline.
type ConversationClosePayload struct{}

// MessageSendPayload requests sending a message into the open conversation.
type MessageSendPayload struct {
	Content string `json:"content"`
}

// MessageAckPayload acknowledges a send: the optimistic entry is already visible
// locally under TempID and will be replaced once the confirmed message arrives.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	TempID         string `json:"temp_id"`
}

// TimelineEntry is one reconciled timeline row.
type TimelineEntry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	AvatarRef      string    `json:"avatar_ref,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Pending        bool      `json:"pending,omitempty"`
}

// TimelineUpdatePayload pushes the full reconciled timeline after a change.
type TimelineUpdatePayload struct {
	ConversationID string          `json:"conversation_id"`
	Entries        []TimelineEntry `json:"entries"`
}

// ConversationSummary is one sidebar row.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	Title          string    `json:"title"`
	Preview        string    `json:"preview"`
	Unread         int       `json:"unread"`
	LastActivity   time.Time `json:"last_activity"`
}

// RosterUpdatePayload pushes the viewer's conversation list, most recent first.
type RosterUpdatePayload struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
