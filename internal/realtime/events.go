// Package realtime manages WebSocket connections, chat-room subscriptions,
// and live event fan-out.
package realtime

import (
	"encoding/json"
	"time"
)

// EventType names one kind of realtime event on the wire.
type EventType string

// Server-to-client events.
const (
	EventNewMessage      EventType = "new-message"
	EventMessageUpdated  EventType = "message-updated"
	EventMessageDeleted  EventType = "message-deleted"
	EventReactionAdded   EventType = "message-reaction-added"
	EventReactionRemoved EventType = "message-reaction-removed"
	EventTyping          EventType = "typing"
	EventMessagesRead    EventType = "messages-read"
	EventUserStatus      EventType = "user-status-change"
	EventChatUpdate      EventType = "chat-update"
	EventAuthenticated   EventType = "authenticated"
	EventAuthError       EventType = "authentication-error"
	EventChatJoined      EventType = "chat-joined"
	EventError           EventType = "error"
	EventMessagesDropped EventType = "messages-dropped"
)

// Client-to-server events.
const (
	EventAuthenticate EventType = "authenticate"
	EventJoinChat     EventType = "join-chat"
	EventLeaveChat    EventType = "leave-chat"
	EventSendMessage  EventType = "send-message"
	EventMarkRead     EventType = "mark-read"
	EventUserOnline   EventType = "user-online"
)

// Event is the wire envelope for every realtime event, in both directions.
type Event struct {
	Type    EventType   `json:"type"`
	ChatID  uint        `json:"chat_id,omitempty"`
	UserID  uint        `json:"user_id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// InboundFrame is the parsed shape of a client-to-server event; the payload
// stays raw until the event type selects its concrete shape.
type InboundFrame struct {
	Type    EventType       `json:"type"`
	ChatID  uint            `json:"chat_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthenticatePayload carries the credential token for post-connect auth.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload acknowledges a successful authentication to the
// connection that sent the credential, and to that connection only.
type AuthenticatedPayload struct {
	UserID uint `json:"user_id"`
}

// SendMessagePayload carries a new outbound message. MessageID is optional;
// when the client supplies one, retransmits after a lost ack are idempotent.
type SendMessagePayload struct {
	MessageID   string `json:"message_id,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"message_type,omitempty"`
}

// TypingPayload carries a typing indicator. ExpiresInMS tells receivers how
// long a stale `true` may live before their local timeout clears it.
type TypingPayload struct {
	UserID      uint   `json:"user_id"`
	Username    string `json:"username,omitempty"`
	IsTyping    bool   `json:"is_typing"`
	ExpiresInMS int64  `json:"expires_in_ms,omitempty"`
}

// ReadPayload carries a read receipt for a whole chat. MessageIDs lists the
// messages newly marked read, for receivers that track per-message receipts.
type ReadPayload struct {
	ChatID     uint      `json:"chat_id"`
	UserID     uint      `json:"user_id"`
	ReadAt     time.Time `json:"read_at"`
	MessageIDs []string  `json:"message_ids,omitempty"`
}

// StatusPayload carries a presence transition. Last write wins per user.
type StatusPayload struct {
	UserID uint   `json:"user_id"`
	Status string `json:"status"` // "online" or "offline"
}

// DeletedPayload identifies a tombstoned message. Carries the ID only;
// receivers remove or tombstone by ID and no-op if already gone.
type DeletedPayload struct {
	MessageID string `json:"message_id"`
	ChatID    uint   `json:"chat_id"`
}
