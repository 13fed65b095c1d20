// ABOUTME: Wire event envelope and payload types for the realtime channel
// ABOUTME: Every frame is {"event": name, "data": payload} JSON

package transport

import (
	"encoding/json"
	"time"
)

// Event names carried over the websocket. The client-to-server set is
// authenticate, typing, and read acks; everything else is server-to-client.
const (
	EventAuthenticate = "authenticate"
	EventAuthOK       = "auth:ok"

	EventConversationClaimed   = "conversation:claimed"
	EventConversationUnclaimed = "conversation:unclaimed"

	EventMessageNew       = "message:new"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"

	EventTypingStarted = "typing:started"
	EventTypingStopped = "typing:stopped"

	EventPresenceUpdate = "presence:update"

	EventError = "error"
)

// Event is the wire envelope for all realtime traffic, both directions.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals a payload into an envelope. Marshal failures are
// programming errors (all payloads are plain structs) and yield an error
// event instead of a panic.
func NewEvent(name string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{Event: EventError, Data: json.RawMessage(`{"error":"encoding failure"}`)}
	}
	return Event{Event: name, Data: data}
}

// AuthenticatePayload is the first frame a client must send.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthOKPayload confirms a successful authenticate frame.
type AuthOKPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// ClaimedPayload announces a claim (or unclaim) to all support users.
type ClaimedPayload struct {
	ConversationID string `json:"conversationId"`
	AgentID        string `json:"agentId"`
}

// MessagePayload is the authoritative message arrival. ClientID echoes the
// sender's temporary id so optimistic copies reconcile by match-and-replace.
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"createdAt"`
	ClientID       string    `json:"clientId,omitempty"`
}

// DeliveredPayload is the delivery confirmation sent to the message sender.
type DeliveredPayload struct {
	MessageID string `json:"messageId"`
}

// ReadPayload is the read confirmation sent to the message sender, and the
// inbound read ack from a recipient.
type ReadPayload struct {
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId,omitempty"`
}

// TypingPayload is the ephemeral typing indicator, both directions.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// PresencePayload announces a presence transition.
type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// ErrorPayload reports a rejected inbound frame.
type ErrorPayload struct {
	Error string `json:"error"`
}
