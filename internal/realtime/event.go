package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of an envelope travelling in either direction.
type EventType string

// Inbound client -> server types.
const (
	EventSubscribe      EventType = "subscribe"
	EventUnsubscribe    EventType = "unsubscribe"
	EventTyping         EventType = "typing"
	EventSendMessage    EventType = "send_message"
	EventUpdatePresence EventType = "update_presence"
	EventPing           EventType = "ping"
)

// Outbound server -> client types.
const (
	EventMessageSent    EventType = "message_sent"
	EventNewMessage     EventType = "new_message" // legacy alias of message_sent
	EventMessageUpdated EventType = "message_updated"
	EventMessageDeleted EventType = "message_deleted"
	EventUserTyping     EventType = "user_typing"
	EventUserPresence   EventType = "user_presence"
	EventUserJoined     EventType = "user_joined"
	EventUserLeft       EventType = "user_left"
	EventConnectionAck  EventType = "connection_ack"
	EventPong           EventType = "pong"
	EventError          EventType = "error"
)

// IsValid reports whether t is a recognized envelope type.
func (t EventType) IsValid() bool {
	switch t {
	case EventSubscribe, EventUnsubscribe, EventTyping, EventSendMessage,
		EventUpdatePresence, EventPing, EventMessageSent, EventNewMessage,
		EventMessageUpdated, EventMessageDeleted, EventUserTyping,
		EventUserPresence, EventUserJoined, EventUserLeft,
		EventConnectionAck, EventPong, EventError:
		return true
	}
	return false
}

// Event is the wire envelope shared by both directions: a type tag plus an
// opaque payload. Payload content is owned by whoever produced the event;
// the fanout layer relays it without inspecting message bodies.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals data into an envelope of the given type.
func NewEvent(t EventType, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Data: raw}, nil
}

// MustEvent is NewEvent for payloads built from plain structs and maps,
// where marshalling cannot fail.
func MustEvent(t EventType, data any) *Event {
	ev, err := NewEvent(t, data)
	if err != nil {
		panic(err)
	}
	return ev
}

// Encode renders the envelope to wire bytes.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Payload shapes for inbound envelopes.

type SubscribeData struct {
	ChannelIDs []string `json:"channel_ids"`
}

type TypingData struct {
	ChannelID string `json:"channel_id"`
	Typing    bool   `json:"typing"`
}

type SendMessageData struct {
	ChannelID string  `json:"channel_id"`
	Content   string  `json:"content"`
	ReplyTo   *string `json:"reply_to,omitempty"`
}

type UpdatePresenceData struct {
	Status string `json:"status"`
}

// Payload shapes for outbound envelopes.

type MessagePayload struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Content     string    `json:"content"`
	ReplyTo     *string   `json:"reply_to,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type MessageDeletedPayload struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

type UserTypingPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Typing    bool   `json:"typing"`
}

type UserPresencePayload struct {
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ChannelMemberPayload struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

type ConnectionAckPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorEvent builds an outbound error envelope.
func NewErrorEvent(code, message string) *Event {
	return MustEvent(EventError, ErrorPayload{Code: code, Message: message})
}
