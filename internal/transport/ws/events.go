package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vedran77/chatsync/internal/domain"
)

// Event types - Client → Server
const (
	EventTypeSendDirect              = "message.send.direct"
	EventTypeSendGroup               = "message.send.group"
	EventTypeConversationSubscribe   = "conversation.subscribe"
	EventTypeConversationUnsubscribe = "conversation.unsubscribe"
	EventTypePing                    = "ping"
)

// Event types - Server → Client
const (
	EventTypeMessageNew    = "message.new"
	EventTypeMessageNotify = "message.notify"
	EventTypePong          = "pong"
	EventTypeError         = "error"
)

// Lifecycle events, dispatched locally by the Session and never sent on the wire.
const (
	EventTypeConnected    = "session.connected"
	EventTypeDisconnected = "session.disconnected"
)

// Event is the base envelope for all WebSocket messages.
type Event struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      int64           `json:"ts,omitempty"`
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event %s: %w", e.Type, err)
	}
	return nil
}

// --- Client → Server payloads ---

// SendDirectPayload addresses a message to the other participant of a direct
// conversation. The server resolves or creates the conversation.
type SendDirectPayload struct {
	ReceiverID string             `json:"receiver_id"`
	Content    string             `json:"content"`
	Kind       domain.MessageKind `json:"kind"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
	ClientID   string             `json:"client_id"`
}

type SendGroupPayload struct {
	ConversationID string             `json:"conversation_id"`
	Content        string             `json:"content"`
	Kind           domain.MessageKind `json:"kind"`
	Attachment     *domain.Attachment `json:"attachment,omitempty"`
	ClientID       string             `json:"client_id"`
}

type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// --- Server → Client payloads ---

type MessagePayload struct {
	domain.Message
}

// NotifyPayload announces activity in a conversation the client isn't viewing.
type NotifyPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
	Preview        string `json:"preview,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Lifecycle payloads ---

type ConnectedPayload struct {
	Reconnect bool `json:"reconnect"`
}

type DisconnectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewEvent creates an event with the current timestamp.
func NewEvent(eventType string, conversationID string, payload any) (*Event, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &Event{
		Type:           eventType,
		ConversationID: conversationID,
		Payload:        data,
		Timestamp:      time.Now().Unix(),
	}, nil
}
