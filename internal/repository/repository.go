// Package repository is the relay's persistence collaborator: the durable
// record of messages and conversations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/courier/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateCorrelation is returned when a different message already
	// carries the correlation id.
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")
	// ErrStale is returned when a status update would not move a message forward.
	ErrStale = errors.New("stale status update")
)

// Repository stores messages and conversations. Implementations must be safe
// for concurrent use.
type Repository interface {
	// SaveMessage inserts m. It reports false without error when a message
	// with the same id already exists.
	SaveMessage(ctx context.Context, m *model.Message) (bool, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// GetByCorrelation returns the message stored under a client correlation id.
	GetByCorrelation(ctx context.Context, correlationID string) (*model.Message, error)
	// ListMessages returns up to limit messages older than before (zero means
	// now), in chronological order.
	ListMessages(ctx context.Context, conversationID string, limit int64, before time.Time) ([]model.Message, error)
	// UpdateStatus moves a message forward and returns it as stored.
	UpdateStatus(ctx context.Context, id string, to model.Status) (*model.Message, error)
	// MarkConversationRead marks every sent or delivered message addressed to
	// reader as read and returns their ids.
	MarkConversationRead(ctx context.Context, conversationID, reader string) ([]string, error)
	ListByRecipientStatus(ctx context.Context, recipient string, status model.Status, limit int64) ([]model.Message, error)

	FindOrCreateConversation(ctx context.Context, a, b string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// ListConversations returns user's conversations, most recently updated first.
	ListConversations(ctx context.Context, user string, limit int64) ([]model.Conversation, error)
	UpdateSnapshot(ctx context.Context, conversationID string, last model.LastMessage) error
	IncrementUnread(ctx context.Context, conversationID, user string) (int, error)
	ResetUnread(ctx context.Context, conversationID, user string) error
	// DeleteConversation removes the conversation and its messages and
	// returns how many messages were removed.
	DeleteConversation(ctx context.Context, conversationID string) (int64, error)

	Close(ctx context.Context) error
}

// predecessors lists the stored statuses a message may move to `to` from.
func predecessors(to model.Status) []model.Status {
	var out []model.Status
	for _, s := range []model.Status{model.StatusSent, model.StatusDelivered, model.StatusRead} {
		if model.CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// Snapshot builds the conversation snapshot for m.
func Snapshot(m model.Message) model.LastMessage {
	return model.LastMessage{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Body:      m.Body,
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
	}
}
