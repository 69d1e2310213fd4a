// Package events publishes relay domain events for downstream consumers
// such as push notification services.
package events

import (
	"context"
	"time"

	"github.com/matheus3301/courier/internal/model"
)

// Event types.
const (
	TypeMessageCreated      = "message.created"
	TypeMessageStatus       = "message.status"
	TypeConversationRead    = "conversation.read"
	TypeConversationDeleted = "conversation.deleted"
)

// Event is one domain event. Events of a conversation are keyed by its id
// so consumers see them in order.
type Event struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId"`
	Actor          string         `json:"actor"`
	Participants   []string       `json:"participants,omitempty"`
	MessageIDs     []string       `json:"messageIds,omitempty"`
	Status         model.Status   `json:"status,omitempty"`
	Message        *model.Message `json:"message,omitempty"`
	At             time.Time      `json:"at"`
}

// Publisher sends domain events. Publish failures never fail the relay
// operation that produced the event; callers log them.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }
