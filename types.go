package convsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the REST service.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Lifecycle phases
// ============================================================================

// Phase says whether an entity exists only on this client or has been
// confirmed by the server.
type Phase int

const (
	// PhaseConfirmed entities carry a server-assigned id.
	PhaseConfirmed Phase = iota
	// PhasePending entities were created locally and are keyed by their
	// correlation id until the server echoes them.
	PhasePending
)

func (p Phase) String() string {
	if p == PhasePending {
		return "pending"
	}
	return "confirmed"
}

// CorrelationID is the client-generated identity of an optimistic
// mutation. It is sent with the REST request and echoed back by the server.
type CorrelationID string

// NewCorrelationID returns "{unixMillis}-{nonce}".
func NewCorrelationID(now time.Time) CorrelationID {
	return CorrelationID(fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()))
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Reaction is one user's reaction on a message. (UserID, ReactionType) is
// unique per message.
type Reaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id" validate:"required"`
	ReactionType string    `json:"reaction_type" validate:"required"`
	CreatedAt    time.Time `json:"created_at"`

	Phase Phase `json:"-"`
}

func (r Reaction) key() reactionKey {
	return reactionKey{userID: r.UserID, reactionType: r.ReactionType}
}

type reactionKey struct {
	userID       string
	reactionType string
}

// MessageState is a message as held by the store.
type MessageState struct {
	ID             string        `json:"id" validate:"required"`
	CorrelationID  CorrelationID `json:"correlation_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Type           string        `json:"message_type,omitempty"`
	Status         MessageStatus `json:"status"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	Edited         bool          `json:"edited"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`

	Phase Phase `json:"-"`
}

// Pending reports whether the message is still waiting for its server echo.
func (m MessageState) Pending() bool { return m.Phase == PhasePending }

// Key returns the identity the message is tracked under: the server id
// once confirmed, the correlation id before.
func (m MessageState) Key() string {
	if m.Phase == PhasePending {
		return string(m.CorrelationID)
	}
	return m.ID
}

func (m MessageState) clone() MessageState {
	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return m
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationState is a conversation as held by the store.
type ConversationState struct {
	ID           string        `json:"id" validate:"required"`
	Title        string        `json:"title,omitempty"`
	Participants []string      `json:"participant_ids"`
	LastMessage  *MessageState `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
	Archived     bool          `json:"is_archived"`
	Muted        bool          `json:"is_muted"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (c ConversationState) clone() ConversationState {
	if c.Participants != nil {
		c.Participants = append([]string(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		m := c.LastMessage.clone()
		c.LastMessage = &m
	}
	return c
}

// ConversationPatch is a partial conversation update. Nil fields are left
// unchanged.
type ConversationPatch struct {
	Archived *bool `json:"is_archived,omitempty"`
	Muted    *bool `json:"is_muted,omitempty"`
}

// ============================================================================
// Typing and presence
// ============================================================================

// TypingIndicatorEntry records that a user is typing in a conversation.
// It only exists while ReceivedAt is inside the TTL window.
type TypingIndicatorEntry struct {
	ConversationID string
	UserID         string
	UserName       string
	ReceivedAt     time.Time
}

// PresenceOnline is the only user status that counts as online.
const PresenceOnline = "online"

// ============================================================================
// REST request types
// ============================================================================

// SendMessageRequest is the body of a message send.
type SendMessageRequest struct {
	Content       string        `json:"content"`
	Type          string        `json:"message_type,omitempty"`
	CorrelationID CorrelationID `json:"correlation_id"`
}

// SendOptions configures an optimistic send.
type SendOptions struct {
	Type string
}

// ListOptions paginates history requests.
type ListOptions struct {
	Limit  int
	Before string
}

// PushRegistration is the body of a push token registration.
type PushRegistration struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}
