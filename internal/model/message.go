package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeAudio, TypeVideo, TypeDocument:
		return true
	}
	return false
}

// MaxBodyLen bounds the body of a single message in bytes.
const MaxBodyLen = 64 * 1024

// ErrInvalidMessage is wrapped by Validate failures.
var ErrInvalidMessage = errors.New("invalid message")

// Message is a single chat message as stored locally and on the relay.
// Queue is client-only bookkeeping and never leaves the device.
type Message struct {
	ID             string      `json:"id" bson:"_id"`
	ConversationID string      `json:"conversationId" bson:"conversation_id"`
	SenderID       string      `json:"senderId" bson:"sender_id"`
	RecipientID    string      `json:"recipientId" bson:"recipient_id"`
	Body           string      `json:"body" bson:"body"`
	Type           MessageType `json:"type" bson:"type"`
	Status         Status      `json:"status" bson:"status"`
	CorrelationID  string      `json:"correlationId,omitempty" bson:"correlation_id,omitempty"`
	CreatedAt      time.Time   `json:"timestamp" bson:"created_at"`
	UpdatedAt      time.Time   `json:"updatedAt,omitzero" bson:"updated_at"`
	Queue          *QueueMeta  `json:"-" bson:"-"`
}

// Validate checks the fields every message must carry before it is queued or relayed.
func (m *Message) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	case m.SenderID == "":
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	case m.RecipientID == "":
		return fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	case m.SenderID == m.RecipientID:
		return fmt.Errorf("%w: sender and recipient are the same user", ErrInvalidMessage)
	case m.Type != "" && !m.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	case strings.TrimSpace(m.Body) == "":
		return fmt.Errorf("%w: empty body", ErrInvalidMessage)
	case len(m.Body) > MaxBodyLen:
		return fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidMessage, MaxBodyLen)
	case m.Status != "" && !m.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidMessage, m.Status)
	}
	if m.ConversationID != "" && m.ConversationID != ConversationID(m.SenderID, m.RecipientID) {
		return fmt.Errorf("%w: conversation does not match participants", ErrInvalidMessage)
	}
	return nil
}

// ErrorClass groups send failures by how the queue should react to them.
type ErrorClass string

const (
	ErrorNetwork    ErrorClass = "network"
	ErrorTimeout    ErrorClass = "timeout"
	ErrorServer     ErrorClass = "server"
	ErrorValidation ErrorClass = "validation"
	ErrorDuplicate  ErrorClass = "duplicate"
	ErrorUnknown    ErrorClass = "unknown"
)

// Retryable reports whether another attempt may succeed.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorValidation, ErrorDuplicate:
		return false
	}
	return true
}

// QueueMeta is the retry bookkeeping persisted with a queued message.
type QueueMeta struct {
	RetryCount    int        `json:"retryCount"`
	EnqueuedAt    time.Time  `json:"enqueuedAt"`
	LastAttemptAt time.Time  `json:"lastAttemptAt,omitzero"`
	LastError     string     `json:"lastError,omitempty"`
	ErrorClass    ErrorClass `json:"errorClass,omitempty"`
}
