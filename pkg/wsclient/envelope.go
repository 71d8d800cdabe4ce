package wsclient

import "encoding/json"

// Envelope is the wire shape shared with the server: a type tag plus an
// opaque payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Server -> client envelope types the SDK recognizes.
const (
	TypeConnectionAck  = "connection_ack"
	TypeMessageSent    = "message_sent"
	TypeNewMessage     = "new_message" // legacy alias of message_sent
	TypeMessageUpdated = "message_updated"
	TypeMessageDeleted = "message_deleted"
	TypeUserTyping     = "user_typing"
	TypeUserPresence   = "user_presence"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypePong           = "pong"
	TypeError          = "error"
)

// Client -> server envelope types.
const (
	typeSubscribe      = "subscribe"
	typeUnsubscribe    = "unsubscribe"
	typeTyping         = "typing"
	typeSendMessage    = "send_message"
	typeUpdatePresence = "update_presence"
	typePing           = "ping"
)

func encodeEnvelope(envType string, data any) []byte {
	raw, _ := json.Marshal(data)
	out, _ := json.Marshal(Envelope{Type: envType, Data: raw})
	return out
}

type subscribePayload struct {
	ChannelIDs []string `json:"channel_ids"`
}

type typingPayload struct {
	ChannelID string `json:"channel_id"`
	Typing    bool   `json:"typing"`
}

type sendMessagePayload struct {
	ChannelID string  `json:"channel_id"`
	Content   string  `json:"content"`
	ReplyTo   *string `json:"reply_to,omitempty"`
}

type updatePresencePayload struct {
	Status string `json:"status"`
}
