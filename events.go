package convsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// EventType tags every event on the wire and on the dispatcher.
type EventType string

// Inbound server events.
const (
	EventNewMessage          EventType = "new_message"
	EventMessageUpdated      EventType = "message_updated"
	EventMessageDeleted      EventType = "message_deleted"
	EventTypingIndicator     EventType = "typing_indicator"
	EventUserStatusChanged   EventType = "user_status_changed"
	EventConversationCreated EventType = "conversation_created"
	EventConversationUpdated EventType = "conversation_updated"
	EventReactionAdded       EventType = "reaction_added"
	EventReactionRemoved     EventType = "reaction_removed"
)

// Outbound client events. Typing indicators go out under
// EventTypingIndicator.
const (
	EventUserStatusUpdate  EventType = "user_status_update"
	EventJoinConversation  EventType = "join_conversation"
	EventLeaveConversation EventType = "leave_conversation"
)

// Connection lifecycle events, dispatched locally by RealtimeClient.
const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
	EventError        EventType = "error"
)

// Event is implemented by every payload type the dispatcher carries.
// Implementations use value receivers so On can derive the tag from the
// zero value.
type Event interface {
	EventType() EventType
}

// Envelope is the wire format in both directions.
type Envelope struct {
	EventType EventType       `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// ============================================================================
// Inbound payloads
// ============================================================================

type NewMessageEvent struct {
	ConversationID string       `json:"conversation_id" validate:"required"`
	Message        MessageState `json:"message"`
}

type MessageUpdatedEvent struct {
	ConversationID string       `json:"conversation_id" validate:"required"`
	Message        MessageState `json:"message"`
}

type MessageDeletedEvent struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	MessageID      string `json:"message_id" validate:"required"`
}

type TypingIndicatorEvent struct {
	ConversationID string    `json:"conversation_id" validate:"required"`
	UserID         string    `json:"user_id" validate:"required"`
	UserName       string    `json:"user_name"`
	IsTyping       bool      `json:"is_typing"`
	Timestamp      time.Time `json:"timestamp"`
}

type UserStatusChangedEvent struct {
	UserID    string    `json:"user_id" validate:"required"`
	Status    string    `json:"status" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

type ConversationCreatedEvent struct {
	Conversation ConversationState `json:"conversation"`
}

type ConversationUpdatedEvent struct {
	Conversation ConversationState `json:"conversation"`
}

type ReactionAddedEvent struct {
	MessageID string   `json:"message_id" validate:"required"`
	Reaction  Reaction `json:"reaction"`
}

type ReactionRemovedEvent struct {
	MessageID  string `json:"message_id" validate:"required"`
	ReactionID string `json:"reaction_id" validate:"required"`
}

// RawEvent carries an event type the decoder does not know.
type RawEvent struct {
	Type EventType
	Data json.RawMessage
}

func (NewMessageEvent) EventType() EventType          { return EventNewMessage }
func (MessageUpdatedEvent) EventType() EventType      { return EventMessageUpdated }
func (MessageDeletedEvent) EventType() EventType      { return EventMessageDeleted }
func (TypingIndicatorEvent) EventType() EventType     { return EventTypingIndicator }
func (UserStatusChangedEvent) EventType() EventType   { return EventUserStatusChanged }
func (ConversationCreatedEvent) EventType() EventType { return EventConversationCreated }
func (ConversationUpdatedEvent) EventType() EventType { return EventConversationUpdated }
func (ReactionAddedEvent) EventType() EventType       { return EventReactionAdded }
func (ReactionRemovedEvent) EventType() EventType     { return EventReactionRemoved }
func (e RawEvent) EventType() EventType               { return e.Type }

// ============================================================================
// Lifecycle payloads
// ============================================================================

// ConnectedEvent is dispatched after every successful connect.
type ConnectedEvent struct {
	UserID string
	// Reconnected is set when the connection was re-established by the
	// reconnect machine rather than a manual Connect.
	Reconnected bool
}

// DisconnectedEvent is dispatched when an established connection ends.
type DisconnectedEvent struct {
	Clean  bool
	Reason string
}

// ReconnectingEvent is dispatched when a reconnect attempt is scheduled.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

// ErrorEvent carries a transport or session error.
type ErrorEvent struct {
	Err error
}

func (ConnectedEvent) EventType() EventType    { return EventConnected }
func (DisconnectedEvent) EventType() EventType { return EventDisconnected }
func (ReconnectingEvent) EventType() EventType { return EventReconnecting }
func (ErrorEvent) EventType() EventType        { return EventError }

// ============================================================================
// Decoding
// ============================================================================

var validate = validator.New()

// DecodeEnvelope parses one inbound wire message into a typed event.
// Unknown event types come back as RawEvent.
func DecodeEnvelope(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("decode envelope: missing event_type")
	}

	switch env.EventType {
	case EventNewMessage:
		return decodePayload[NewMessageEvent](env)
	case EventMessageUpdated:
		return decodePayload[MessageUpdatedEvent](env)
	case EventMessageDeleted:
		return decodePayload[MessageDeletedEvent](env)
	case EventTypingIndicator:
		return decodePayload[TypingIndicatorEvent](env)
	case EventUserStatusChanged:
		return decodePayload[UserStatusChangedEvent](env)
	case EventConversationCreated:
		return decodePayload[ConversationCreatedEvent](env)
	case EventConversationUpdated:
		return decodePayload[ConversationUpdatedEvent](env)
	case EventReactionAdded:
		return decodePayload[ReactionAddedEvent](env)
	case EventReactionRemoved:
		return decodePayload[ReactionRemovedEvent](env)
	default:
		return RawEvent{Type: env.EventType, Data: env.Data}, nil
	}
}

func decodePayload[E Event](env Envelope) (Event, error) {
	var ev E
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("decode %s: missing data", env.EventType)
	}
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.EventType, err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", env.EventType, err)
	}
	return ev, nil
}

// encodeEnvelope builds an outbound wire message.
func encodeEnvelope(eventType EventType, data any, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return json.Marshal(Envelope{
		EventType: eventType,
		Data:      raw,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
}
